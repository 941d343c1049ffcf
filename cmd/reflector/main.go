// Command reflector runs the producer/critic reflection loop. Tasks arrive on
// the command line; the final artifact is printed once the critic approves.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reflector/pkg/bus"
	"reflector/pkg/config"
	"reflector/pkg/critic"
	"reflector/pkg/eventlog"
	"reflector/pkg/gen"
	"reflector/pkg/gen/anthropic"
	"reflector/pkg/gen/ollama"
	"reflector/pkg/gen/openai"
	"reflector/pkg/logx"
	"reflector/pkg/metrics"
	"reflector/pkg/producer"
	"reflector/pkg/proto"
	"reflector/pkg/tokens"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	var task string
	var serveMetrics bool
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.StringVar(&task, "task", "", "Task to submit; waits for the final result and exits")
	flag.BoolVar(&serveMetrics, "metrics", false, "Serve Prometheus metrics")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("REFLECTOR_CONFIG")
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	logger := logx.NewLogger("reflector")

	var prodClient, critClient gen.Client
	if cfg.Backend.Kind == config.BackendMock {
		// Smoke-test mode: a canned draft and a canned approval.
		prodClient = gen.NewMockClient(gen.MockResponse{Content: "Mock solution.\n```go\npackage main\n```"})
		critClient = gen.NewMockClient(gen.MockResponse{
			Content: `{"correctness": "mock", "efficiency": "mock", "safety": "mock", "approval": "APPROVE", "suggested_changes": "none"}`,
		})
	} else {
		prodClient, err = buildBackend(cfg, cfg.Producer.Model)
		if err != nil {
			log.Fatalf("Failed to build producer backend: %v", err)
		}
		critClient, err = buildBackend(cfg, cfg.Critic.Model)
		if err != nil {
			log.Fatalf("Failed to build critic backend: %v", err)
		}
	}

	var recorder metrics.Recorder = metrics.NopRecorder{}
	if serveMetrics {
		recorder = metrics.NewPrometheusRecorder()
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		logger.Info("Serving metrics on %s", cfg.MetricsAddr)
	}

	var recorderSink bus.Recorder
	if cfg.EventLogDir != "" {
		writer, err := eventlog.NewWriter(cfg.EventLogDir)
		if err != nil {
			log.Fatalf("Failed to open event log: %v", err)
		}
		defer func() { _ = writer.Close() }()
		recorderSink = writer
	}

	counter, err := tokens.NewCounter(cfg.Backend.Model)
	if err != nil {
		logger.Warn("Token counter unavailable: %v", err)
	}

	b := bus.New(recorderSink)

	prod := producer.New(cfg.Producer.ID, prodClient, b,
		producer.WithRecorder(recorder),
		producer.WithTokenCounter(counter),
		producer.WithMaxRounds(cfg.MaxRounds),
		producer.WithMaxTokens(cfg.Producer.MaxTokens),
		producer.WithTemperature(cfg.Producer.Temperature),
	)
	crit := critic.New(cfg.Critic.ID, critClient, b,
		critic.WithRecorder(recorder),
		critic.WithMaxTokens(cfg.Critic.MaxTokens),
		critic.WithTemperature(cfg.Critic.Temperature),
	)

	finalCh := make(chan *proto.FinalResult, 1)
	if err := b.Subscribe(prod.ID(), prod.Handlers()); err != nil {
		log.Fatalf("Failed to subscribe producer: %v", err)
	}
	if err := b.Subscribe(crit.ID(), crit.Handlers()); err != nil {
		log.Fatalf("Failed to subscribe critic: %v", err)
	}
	if err := b.Subscribe("caller", map[proto.MsgType]bus.Handler{
		proto.MsgTypeFINAL: func(_ context.Context, env *proto.Envelope) error {
			select {
			case finalCh <- env.Final:
			default:
			}
			return nil
		},
	}); err != nil {
		log.Fatalf("Failed to subscribe caller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		log.Fatalf("Failed to start bus: %v", err)
	}

	go superviseErrors(b, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if task != "" {
		if err := b.Publish(proto.NewTaskEnvelope("caller", &proto.GenerationTask{Task: task})); err != nil {
			log.Fatalf("Failed to publish task: %v", err)
		}
		logger.Info("Task submitted, waiting for final result")

		select {
		case final := <-finalCh:
			fmt.Printf("Task:\n%s\n\nArtifact:\n%s\n\nReview:\n%s\n", final.OriginalTask, final.Artifact, final.ReviewText)
		case sig := <-sigChan:
			logger.Info("Received signal %v before completion", sig)
		}
	} else {
		logger.Info("Running until interrupted; publish tasks on the bus to start sessions")
		sig := <-sigChan
		logger.Info("Received signal %v, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := b.Stop(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
}

// buildBackend constructs a client for one agent; modelOverride, when set,
// wins over the backend-level model.
func buildBackend(cfg *config.Config, modelOverride string) (gen.Client, error) {
	model := cfg.Backend.Model
	if modelOverride != "" {
		model = modelOverride
	}
	switch cfg.Backend.Kind {
	case config.BackendAnthropic:
		return anthropic.New(cfg.Backend.APIKey, model), nil
	case config.BackendOpenAI:
		return openai.New(cfg.Backend.APIKey, model), nil
	case config.BackendOllama:
		return ollama.New(cfg.Backend.Host, model), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func superviseErrors(b *bus.Bus, logger *logx.Logger) {
	for derr := range b.Errors() {
		if proto.IsProtocolViolation(derr.Err) {
			logger.Error("Protocol violation in %s: %v", derr.SubscriberID, derr.Err)
			continue
		}
		logger.Error("Handler failure in %s: %v", derr.SubscriberID, derr.Err)
	}
}
