// Command pixy runs a single agent conversation from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/martinemde/pixy/agentloop"
	"github.com/martinemde/pixy/internal/config"
	"github.com/martinemde/pixy/internal/logger"
	"github.com/martinemde/pixy/unifiedllm"
	"github.com/martinemde/pixy/unifiedllm/providertest"
)

const scriptedAPI = "scripted"

type options struct {
	model    string
	api      string
	system   string
	scripted bool
	maxTurns int
	workDir  string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pixy: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, []string, error) {
	var o options
	fs := flag.NewFlagSet("pixy", flag.ContinueOnError)
	fs.StringVar(&o.model, "model", "", "model id or alias (default $PIXY_MODEL)")
	fs.StringVar(&o.api, "api", "", "provider API for models missing from the catalog (default $PIXY_API)")
	fs.StringVar(&o.system, "system", "You are a helpful assistant.", "base system prompt")
	fs.BoolVar(&o.scripted, "scripted", false, "use an offline scripted provider that calls the echo tool")
	fs.IntVar(&o.maxTurns, "max-turns", -1, "assistant request limit (default $PIXY_MAX_TURNS)")
	fs.StringVar(&o.workDir, "workdir", "", "directory whose AGENTS.md files extend the system prompt")
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	return o, fs.Args(), nil
}

func run(args []string, stdout io.Writer) error {
	opts, rest, err := parseFlags(args)
	if err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(rest, " "))
	if prompt == "" {
		return errors.New("usage: pixy [flags] prompt")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Init(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newRouter(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("metrics listener starting", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	registry := buildRegistry(cfg, opts.scripted)
	model := resolveModel(cfg, opts)
	if _, ok := registry.Get(model.API); !ok {
		return fmt.Errorf("no provider for api %q; configure an API key or use -scripted", model.API)
	}
	log.Debug("resolved model", "model", model.ID, "api", model.API, "providers", registry.APIs())

	maxTurns := cfg.MaxTurns
	if opts.maxTurns >= 0 {
		maxTurns = opts.maxTurns
	}

	agent := agentloop.NewAgent(agentloop.AgentConfig{
		SystemPrompt:   agentloop.BuildSystemPrompt(opts.system, model, opts.workDir),
		Model:          model,
		FallbackModels: fallbackModels(cfg, model),
		Client:         unifiedllm.NewClient(registry, unifiedllm.WithStreamMiddleware(unifiedllm.LoggingMiddleware())),
		Retry: agentloop.AgentRetryConfig{
			MaxAttempts:    cfg.RetryAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
		},
		MaxTurns:            maxTurns,
		MaxTokens:           cfg.MaxTokens,
		ToolOutputLimit:     toolOutputLimit(cfg.ToolOutputLimit),
		LoopDetectionWindow: 10,
		QueueMode:           agentloop.ParseQueueMode(cfg.QueueMode),
		Tools:               []agentloop.AgentTool{agentloop.EchoTool()},
		Sink:                newPrinter(stdout, log),
	})

	res, err := agent.PromptText(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	log.Info("run finished", "run", res.String(), "requests", res.Metrics.AssistantRequests,
		"tool_executions", res.Metrics.ToolExecutions, "total_tokens", res.Metrics.Usage.TotalTokens)
	if res.State == agentloop.StateFailed {
		return res.Error
	}
	return nil
}

// toolOutputLimit maps the configured character limit; zero disables
// truncation entirely.
func toolOutputLimit(maxChars int) agentloop.OutputLimit {
	if maxChars <= 0 {
		return agentloop.NoOutputLimit
	}
	limit := agentloop.DefaultOutputLimit
	limit.MaxChars = maxChars
	return limit
}

func buildRegistry(cfg *config.Config, scripted bool) *unifiedllm.Registry {
	var reliable []unifiedllm.ReliableOption
	if cfg.ProviderRateLimit > 0 {
		reliable = append(reliable, unifiedllm.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.ProviderRateLimit), 1)))
	}
	if scripted {
		registry := unifiedllm.NewRegistry()
		p := providertest.New(scriptedAPI)
		p.Fallback = providertest.EchoTool("echo")
		registry.Register(unifiedllm.NewReliableProvider(p, reliable...), "pixy-cli")
		return registry
	}
	registry := unifiedllm.NewRegistry(
		unifiedllm.WithBuiltins(unifiedllm.GollmBuiltins(cfg.ProviderKeys(), unifiedllm.WithOllamaEndpoint(cfg.OllamaEndpoint()))...),
		unifiedllm.WithBuiltinReliability(reliable...),
	)
	registry.Init()
	return registry
}

func resolveModel(cfg *config.Config, o options) unifiedllm.Model {
	if o.scripted {
		return unifiedllm.Model{ID: "scripted-echo", Name: "Scripted echo", API: scriptedAPI, Provider: "pixy"}
	}
	id := cfg.Model
	if o.model != "" {
		id = o.model
	}
	api := cfg.API
	if o.api != "" {
		api = o.api
	}
	return lookupModel(id, api)
}

func lookupModel(id, api string) unifiedllm.Model {
	if m, ok := unifiedllm.LookupModel(id); ok {
		return m
	}
	return unifiedllm.Model{ID: id, Name: id, API: api}
}

func fallbackModels(cfg *config.Config, primary unifiedllm.Model) []unifiedllm.Model {
	if primary.API == scriptedAPI {
		return nil
	}
	var out []unifiedllm.Model
	for _, id := range cfg.FallbackModels {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, lookupModel(id, cfg.API))
		}
	}
	return out
}

// printer streams assistant text to stdout and reports tool activity.
type printer struct {
	out io.Writer
	log *slog.Logger
}

func newPrinter(out io.Writer, log *slog.Logger) *printer {
	return &printer{out: out, log: log}
}

func (p *printer) Emit(ev agentloop.AgentEvent) {
	switch ev.Kind {
	case agentloop.EventMessageUpdate:
		if ev.AssistantEvent != nil && ev.AssistantEvent.Type == unifiedllm.EventTextDelta {
			fmt.Fprint(p.out, ev.AssistantEvent.Delta)
		}
	case agentloop.EventToolExecutionStart:
		fmt.Fprintf(p.out, "\n[tool %s %s]\n", ev.ToolName, ev.Args)
	case agentloop.EventToolExecutionEnd:
		status := "ok"
		if ev.IsError {
			status = "error"
		}
		fmt.Fprintf(p.out, "[tool %s %s: %s]\n", ev.ToolName, status, ev.Result.Text())
	case agentloop.EventRetryScheduled:
		p.log.Warn("provider retry scheduled", "attempt", ev.Attempt, "max_attempts", ev.MaxAttempts, "delay", ev.Delay, "error", ev.Error)
	case agentloop.EventModelFallback:
		p.log.Warn("falling back to another model", "from", ev.FromModel, "to", ev.ToModel)
	case agentloop.EventLoopDetected:
		p.log.Warn("tool loop detected", "warning", ev.Text)
	case agentloop.EventRunError:
		p.log.Error("run failed", "error", ev.Error)
	}
}
