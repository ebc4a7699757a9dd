package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"inferd/pkg/types"
)

type cliConfig struct {
	BaseURL string
	Timeout time.Duration
}

// buildRootCmd constructs the cobra command tree for talking to a running
// inferd daemon.
func buildRootCmd() *cobra.Command {
	cfg := &cliConfig{BaseURL: "http://127.0.0.1:8080", Timeout: 2 * time.Minute}
	root := &cobra.Command{
		Use:           "inferctl",
		Short:         "Client for the inferd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "Base URL of the inferd daemon")
	root.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")

	root.AddCommand(statusCmd(cfg))
	root.AddCommand(generateCmd(cfg))
	root.AddCommand(scoreCmd(cfg))
	root.AddCommand(benchCmd(cfg))
	return root
}

func client(cfg *cliConfig) *http.Client { return &http.Client{Timeout: cfg.Timeout} }

func postJSON(cfg *cliConfig, path string, body, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client(cfg).Post(cfg.BaseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func createSession(cfg *cliConfig, req types.CreateSessionRequest) (types.SessionResponse, error) {
	var sess types.SessionResponse
	err := postJSON(cfg, "/v1/sessions", req, &sess)
	return sess, err
}

func statusCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client(cfg).Get(cfg.BaseURL + "/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var st types.StatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return err
			}
			fmt.Printf("ready=%t backend=%s sessions=%d models=%d\n",
				st.Ready, st.Backend, st.Sessions, len(st.Models))
			for _, m := range st.Models {
				fmt.Printf("  %s (%s, %d MB)\n", m.ID, m.Quant, m.SizeMB)
			}
			return nil
		},
	}
}

func generateCmd(cfg *cliConfig) *cobra.Command {
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Create a session, stream one generation, print tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := createSession(cfg, types.CreateSessionRequest{})
			if err != nil {
				return err
			}
			req := types.GenerateRequest{Prompt: strings.Join(args, " ")}
			if maxTokens > 0 {
				req.MaxOutputTokens = &maxTokens
			}
			raw, err := json.Marshal(req)
			if err != nil {
				return err
			}
			resp, err := client(cfg).Post(
				cfg.BaseURL+"/v1/sessions/"+sess.ID+"/generate",
				"application/json", bytes.NewReader(raw))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			sc := bufio.NewScanner(resp.Body)
			for sc.Scan() {
				var chunk types.GenerateChunk
				if err := json.Unmarshal(sc.Bytes(), &chunk); err != nil {
					continue
				}
				if chunk.Error != "" {
					return fmt.Errorf("generation failed: %s", chunk.Error)
				}
				if len(chunk.Texts) > 0 {
					fmt.Print(chunk.Texts[0])
				}
				if chunk.Done {
					fmt.Println()
					break
				}
			}
			return sc.Err()
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum new tokens (0 = session default)")
	return cmd
}

func scoreCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "score [prompt] [target]",
		Short: "Score a target continuation against a prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := createSession(cfg, types.CreateSessionRequest{})
			if err != nil {
				return err
			}
			// Absorb the prompt first so the target is scored in context.
			one := 1
			gen := types.GenerateRequest{Prompt: args[0], MaxOutputTokens: &one}
			var buf bytes.Buffer
			raw, _ := json.Marshal(gen)
			resp, err := client(cfg).Post(cfg.BaseURL+"/v1/sessions/"+sess.ID+"/generate",
				"application/json", bytes.NewReader(raw))
			if err != nil {
				return err
			}
			io.Copy(&buf, resp.Body)
			resp.Body.Close()

			var out types.ScoreResponse
			if err := postJSON(cfg, "/v1/sessions/"+sess.ID+"/score",
				types.ScoreRequest{Target: args[1], StoreTokenLengths: true}, &out); err != nil {
				return err
			}
			fmt.Printf("scores=%v token_lengths=%v\n", out.Scores, out.TokenLengths)
			return nil
		},
	}
}

func benchCmd(cfg *cliConfig) *cobra.Command {
	var prefillTokens, decodeTokens int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic benchmark turn and print throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := createSession(cfg, types.CreateSessionRequest{
				Benchmark: &types.BenchmarkParams{
					NumPrefillTokens: prefillTokens,
					NumDecodeTokens:  decodeTokens,
				},
				MaxOutputTokens: decodeTokens,
			})
			if err != nil {
				return err
			}
			start := time.Now()
			raw, _ := json.Marshal(types.GenerateRequest{Prompt: "benchmark"})
			resp, err := client(cfg).Post(cfg.BaseURL+"/v1/sessions/"+sess.ID+"/generate",
				"application/json", bytes.NewReader(raw))
			if err != nil {
				return err
			}
			n, _ := io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			dur := time.Since(start)
			fmt.Fprintf(os.Stdout, "prefill_tokens=%d decode_tokens=%d bytes=%d duration=%s\n",
				prefillTokens, decodeTokens, n, dur)
			return nil
		},
	}
	cmd.Flags().IntVar(&prefillTokens, "prefill-tokens", 512, "Synthetic prefill tokens")
	cmd.Flags().IntVar(&decodeTokens, "decode-tokens", 64, "Decode tokens")
	return cmd
}
