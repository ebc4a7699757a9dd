package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := flag.String("addr", envDefault("INFERD_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	modelsDir := flag.String("models-dir", envDefault("INFERD_MODELS_DIR", "~/models/llm"), "Directory to scan for *.gguf model files")
	backend := flag.String("backend", envDefault("INFERD_BACKEND", "stub"), "Executor backend: stub or llama")
	modelPath := flag.String("model", "", "Model file for the llama backend")
	ctxSize := flag.Int("ctx-size", 2048, "Context window size for the llama backend")
	mathThreads := flag.Int("math-threads", 4, "Intra-op threads for the native backend")
	configPath := flag.String("config", "", "Optional config file (yaml/json/toml); flags override")
	corsEnabled := flag.Bool("cors-enabled", false, "Enable CORS middleware")
	logLevel := flag.String("log-level", envDefault("INFERD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(lvl)
	}

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("loading config")
		}
		if cfg.Addr != "" && !flagSet("addr") {
			*addr = cfg.Addr
		}
		if cfg.ModelsDir != "" && !flagSet("models-dir") {
			*modelsDir = cfg.ModelsDir
		}
		if cfg.Backend != "" && !flagSet("backend") {
			*backend = cfg.Backend
		}
		if cfg.ModelPath != "" && !flagSet("model") {
			*modelPath = cfg.ModelPath
		}
		if cfg.CtxSize > 0 && !flagSet("ctx-size") {
			*ctxSize = cfg.CtxSize
		}
		if cfg.CORSEnabled {
			*corsEnabled = true
		}
	}

	var models []types.Model
	if reg, err := registry.LoadDir(*modelsDir); err != nil {
		log.Warn().Err(err).Str("dir", *modelsDir).Msg("model registry unavailable")
	} else {
		models = reg
	}

	eng, err := engine.New(engine.Options{
		Backend:     *backend,
		ModelPath:   *modelPath,
		CtxSize:     *ctxSize,
		MathThreads: *mathThreads,
		Models:      models,
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("building engine")
	}

	httpapi.SetLogger(log)
	if *corsEnabled {
		httpapi.SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "DELETE"}, []string{"Content-Type"})
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{Addr: *addr, Handler: httpapi.NewMux(eng)}

	g, ctx := errgroup.WithContext(baseCtx)
	g.Go(func() error {
		log.Info().Str("addr", *addr).Str("backend", *backend).Int("models", len(models)).
			Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown")
		}
		return eng.Close()
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// flagSet reports whether the named flag was set on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
