// Package httpapi exposes the daemon's HTTP surface: session CRUD,
// NDJSON-streamed generation, scoring, status and metrics.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	CreateSession(req types.CreateSessionRequest) (types.SessionResponse, error)
	CloseSession(handle string) error
	CloneSession(handle string) (types.SessionResponse, error)
	Generate(ctx context.Context, handle string, req types.GenerateRequest, w io.Writer, flush func()) error
	Score(handle string, req types.ScoreRequest) (types.ScoreResponse, error)
	LoadLoRA(path string) (uint32, error)
	Status() types.StatusResponse
	Ready() bool
}

// serverBaseCtx is a process-level context that can be canceled on
// shutdown. Defaults to Background if not set.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context canceled when either a or b is done. The
// returned cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Error().Err(err).Msg("encoding response")
	}
}

// NewMux builds the router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)

	// CreateSession godoc
	// @Summary  Create a session
	// @Accept   json
	// @Produce  json
	// @Param    request body types.CreateSessionRequest true "session config"
	// @Success  200 {object} types.SessionResponse
	// @Router   /v1/sessions [post]
	r.Post("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateSessionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := svc.CreateSession(req)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Delete("/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CloseSession(chi.URLParam(r, "id")); err != nil {
			writeStatusError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// CloneSession godoc
	// @Summary  Clone a session, sharing its processed context until divergence
	// @Produce  json
	// @Success  200 {object} types.SessionResponse
	// @Router   /v1/sessions/{id}/clone [post]
	r.Post("/v1/sessions/{id}/clone", func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.CloneSession(chi.URLParam(r, "id"))
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// Generate godoc
	// @Summary  Prefill the prompt and stream decoded tokens as NDJSON
	// @Accept   json
	// @Produce  application/x-ndjson
	// @Param    request body types.GenerateRequest true "generation request"
	// @Router   /v1/sessions/{id}/generate [post]
	r.Post("/v1/sessions/{id}/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		writer := io.Writer(w)
		if requestLogLevel(r) >= LevelDebug {
			writer = io.MultiWriter(w, newLoggingLineWriter())
		}
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		logGenerate(r, "generate start")
		if err := svc.Generate(joined, chi.URLParam(r, "id"), req, writer, flush); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeStatusError(w, err)
			return
		}
		logGenerate(r, "generate end")
	})

	// Score godoc
	// @Summary  Score a target continuation against the session context
	// @Accept   json
	// @Produce  json
	// @Success  200 {object} types.ScoreResponse
	// @Router   /v1/sessions/{id}/score [post]
	r.Post("/v1/sessions/{id}/score", func(w http.ResponseWriter, r *http.Request) {
		var req types.ScoreRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := svc.Score(chi.URLParam(r, "id"), req)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/v1/lora", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadLoRARequest
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := svc.LoadLoRA(req.Path)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.LoadLoRAResponse{ID: id})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func logGenerate(r *http.Request, msg string) {
	if requestLogLevel(r) < LevelInfo {
		return
	}
	ev := logger().Info().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Msg(msg)
}
