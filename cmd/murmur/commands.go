package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/functions"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/turn"
	"github.com/MrWong99/murmur/internal/voice"
)

// ─── listen ──────────────────────────────────────────────────────────────────

func (c *cli) listenCmd() *cobra.Command {
	var (
		language string
		model    string
		noServe  bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Transcribe the default microphone until interrupted",
		Long: `Start a listening session and print interim results (~), end-of-turn
results (>) and turn boundaries. The metrics and health endpoints are served on
the configured listen address unless --no-serve is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			telemetry, err := observe.InitProvider(cmd.Context(), observe.ProviderConfig{ServiceVersion: version})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() { _ = telemetry.Shutdown(context.Background()) }()

			a, err := c.newApp(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(a); err != nil {
					slog.Error("shutdown error", "err", err)
				}
			}()

			if _, statErr := os.Stat(c.configPath); statErr == nil {
				w, err := config.NewWatcher(c.configPath, a.ApplyConfig)
				if err != nil {
					return err
				}
				defer w.Stop()
			}

			ctx, cancel := context.WithCancelCause(cmd.Context())
			defer cancel(nil)
			out := cmd.OutOrStdout()
			cb := voice.Callbacks{
				OnTranscript: func(r turn.SpeechResult) { printResult(out, r) },
				OnTurnEnd:    func(id string) { fmt.Fprintf(out, "-- turn %s\n", id) },
				OnError:      func(err error) { cancel(err) },
			}
			if _, err := a.Voice().StartListening(ctx, voice.VoiceConfig{Language: language, Model: model}, cb); err != nil {
				return err
			}
			slog.Info("listening, press Ctrl+C to stop", "state", a.Voice().State().String())

			if noServe {
				<-ctx.Done()
			} else if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			slog.Info("shutdown signal received, stopping")
			return nil
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "recognition language (BCP-47), default from config")
	cmd.Flags().StringVar(&model, "model", "", "recognition model, default from config")
	cmd.Flags().BoolVar(&noServe, "no-serve", false, "do not serve metrics and health endpoints")
	return cmd
}

func printResult(w io.Writer, r turn.SpeechResult) {
	marker := "~"
	if r.IsEndOfTurn {
		marker = ">"
	}
	fmt.Fprintf(w, "%s %s\n", marker, r.Transcript)
}

// ─── speak ───────────────────────────────────────────────────────────────────

func (c *cli) speakCmd() *cobra.Command {
	var (
		persona    string
		voiceID    string
		rate       float64
		pitch      float64
		sampleRate int
	)
	cmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "Synthesize text and play it on the default speaker",
		Long: `Speak text with persona-driven prosody. Annotations such as *laughs* or
(whispering) shape the delivery and are not spoken.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := speech.ParsePersona(persona)
			if persona != "" && !ok {
				return fmt.Errorf("unknown persona %q; valid values: %v", persona, speech.Personas())
			}
			a, err := c.newApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(a) }()

			return a.Voice().Speak(cmd.Context(), strings.Join(args, " "), speech.Characteristics{
				Persona:    p,
				VoiceID:    voiceID,
				Rate:       rate,
				Pitch:      pitch,
				SampleRate: sampleRate,
			})
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "persona (neutral, aurora, sage, nova, atlas, luna)")
	cmd.Flags().StringVar(&voiceID, "voice", "", "explicit voice ID; wins over the persona's voice")
	cmd.Flags().Float64Var(&rate, "rate", 0, "speaking rate multiplier (0 is neutral)")
	cmd.Flags().Float64Var(&pitch, "pitch", 0, "pitch multiplier (0 is neutral)")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 0, "output sample rate in Hz (0 uses the provider default)")
	return cmd
}

// ─── voices ──────────────────────────────────────────────────────────────────

func (c *cli) voicesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List available voice identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.newApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(a) }()
			out := cmd.OutOrStdout()

			if !all {
				ids, err := a.Voice().ListAvailableVoices(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			byProvider, err := a.ProviderVoices(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(byProvider))
			for name := range byProvider {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				fmt.Fprintf(out, "%s:\n", name)
				for _, v := range byProvider[name] {
					fmt.Fprintf(out, "  %s\t%s\t%s\t%s\n", v.ID, v.Name, v.Gender, v.Language)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list the catalogue of every configured provider with details")
	return cmd
}

// ─── functions ───────────────────────────────────────────────────────────────

func (c *cli) functionsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "functions",
		Short: "Print the function-call catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := functions.Default()
			var v any
			switch format {
			case "json":
				v = reg
			case "openai":
				tools, err := reg.OpenAITools()
				if err != nil {
					return err
				}
				v = tools
			case "mcp":
				tools, err := reg.MCPTools()
				if err != nil {
					return err
				}
				v = tools
			default:
				return fmt.Errorf("invalid --format %q; valid values: json, openai, mcp", format)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, openai, mcp)")
	return cmd
}

// ─── serve-tools ─────────────────────────────────────────────────────────────

func (c *cli) serveToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-tools",
		Short: "Serve the function-call catalogue over MCP stdio",
		Long: `Expose every agent function as an MCP tool on stdin/stdout. Calls are
validated against their schema and acknowledged with a task ID; execution
belongs to the connected agent runtime.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := functions.Default().NewMCPServer(acknowledgeCall)
			if err != nil {
				return err
			}
			slog.Info("serving tools over stdio")
			err = srv.Run(cmd.Context(), &mcp.StdioTransport{})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// acknowledgeCall accepts a validated function call and returns a task
// receipt.
func acknowledgeCall(_ context.Context, name string, args json.RawMessage) (string, error) {
	taskID := uuid.NewString()
	slog.Info("function call accepted", "function", name, "task_id", taskID, "args_bytes", len(args))
	out, err := json.Marshal(map[string]string{
		"status":   "accepted",
		"function": name,
		"task_id":  taskID,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
