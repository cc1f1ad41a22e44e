package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	callbridge "github.com/bt-bridge/callbridge"
	"github.com/bt-bridge/callbridge/agent"
	"github.com/bt-bridge/callbridge/internal/telco"
	"github.com/bt-bridge/callbridge/observe"
	"github.com/bt-bridge/callbridge/policy"
	"github.com/bt-bridge/callbridge/shared"
	"github.com/bt-bridge/callbridge/stt"
	"github.com/bt-bridge/callbridge/tts"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := callbridge.LoadServiceConfig(*configPath)
	if err != nil {
		shared.NewStdLogger().Error("loading configuration", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg).With(
		zap.String("component", "callbridge"),
		zap.String("version", shared.Version),
	)

	registry := callbridge.NewRegistry()
	templates := agent.NewTemplates()

	// Lifecycle sinks: always the log, plus Redis when configured.
	sinks := []callbridge.Sink{&callbridge.LogSink{Logger: logger}}
	var redisSink *observe.RedisSink
	if cfg.Redis.Addr != "" {
		redisSink, err = observe.NewRedisSink(
			context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel,
		)
		if err != nil {
			logger.Error("connecting lifecycle sink", err)
			os.Exit(1)
		}
		sinks = append(sinks, redisSink)
	}
	emitter := callbridge.NewEmitter(logger, sinks...)

	synthesizer, err := tts.NewDeepgram(logger, tts.DeepgramConfig{APIKey: cfg.Deepgram.APIKey})
	if err != nil {
		logger.Error("building synthesizer", err)
		os.Exit(1)
	}

	recognizer := func(ctx context.Context) (stt.Recognizer, error) {
		return stt.NewDeepgram(ctx, logger, stt.DeepgramConfig{
			APIKey:   cfg.Deepgram.APIKey,
			Model:    cfg.Deepgram.Model,
			Language: cfg.Deepgram.Language,
		})
	}

	// The OpenAI-backed policy needs a key; without one the keyword rules
	// engine keeps the service usable.
	var dialogue policy.Policy
	if cfg.OpenAI.APIKey != "" {
		dialogue, err = policy.NewOpenAIPolicy(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		if err != nil {
			logger.Error("building dialogue policy", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("OPENAI_API_KEY not set, using keyword rules policy")
		dialogue = policy.NewRulesPolicy()
	}

	var control callbridge.CallControl
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		control, err = telco.New(logger, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
		if err != nil {
			logger.Error("building carrier client", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("carrier credentials not set, calls cannot be hung up remotely")
	}

	gateway, err := callbridge.NewGateway(callbridge.GatewayConfig{
		Logger:       logger,
		Registry:     registry,
		Templates:    templates,
		Emitter:      emitter,
		Recognizer:   recognizer,
		Synthesizer:  synthesizer,
		Policy:       dialogue,
		Control:      control,
		PublicHost:   cfg.PublicHost,
		Timings:      cfg.Timings(),
		DefaultAgent: cfg.Agent,
	})
	if err != nil {
		logger.Error("building gateway", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gateway.Router(),
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serving", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down server", err)
	}
	sessions := registry.Snapshot()
	for _, sess := range sessions {
		sess.Close()
	}
	// Let every session finish tearing down (and emitting its ended
	// event) before the emitter goes away.
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-shutdownCtx.Done():
		}
	}
	emitter.Close()
	if redisSink != nil {
		_ = redisSink.Close()
	}
	logger.Info("shutdown complete")
}

func buildLogger(cfg *callbridge.ServiceConfig) shared.LoggerAdapter {
	if cfg.Log.File == "" {
		return shared.NewStdLogger()
	}
	return shared.NewFileLogger(
		cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress,
	)
}
