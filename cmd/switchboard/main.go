package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/square-key-labs/switchboard/src/conference"
	"github.com/square-key-labs/switchboard/src/config"
	"github.com/square-key-labs/switchboard/src/llm"
	"github.com/square-key-labs/switchboard/src/logger"
	"github.com/square-key-labs/switchboard/src/server"
	"github.com/square-key-labs/switchboard/src/session"
	"github.com/square-key-labs/switchboard/src/speech"
	"github.com/square-key-labs/switchboard/src/speech/cartesia"
	"github.com/square-key-labs/switchboard/src/speech/deepgram"
	"github.com/square-key-labs/switchboard/src/store"
	"github.com/square-key-labs/switchboard/src/telephony"
	"github.com/square-key-labs/switchboard/src/tools"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	log := logger.New()
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("configuration invalid", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	control := telephony.NewClient(telephony.ClientConfig{
		AccountSid: cfg.Telephony.AccountSid,
		AuthToken:  cfg.Telephony.AuthToken,
		FromNumber: cfg.Telephony.FromNumber,
		BaseURL:    cfg.Telephony.BaseURL,
	}, log)

	driver := llm.NewDriver(llm.DriverConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		BaseURL:     cfg.LLM.BaseURL,
	}, log)

	sttConfig := speech.STTConfig{
		APIKey:     cfg.Transcription.APIKey,
		Model:      cfg.Transcription.Model,
		Language:   cfg.Transcription.Language,
		EndpointMs: cfg.Transcription.EndpointMs,
	}
	ttsConfig := speech.TTSConfig{
		APIKey:  cfg.Synthesis.APIKey,
		Model:   cfg.Synthesis.Model,
		VoiceID: cfg.Synthesis.VoiceID,
	}
	newTTS := func(h speech.SynthesizerHandler) (speech.Synthesizer, error) {
		t := cartesia.NewSynthesizer(ttsConfig, h, log)
		if err := t.Start(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}

	rt := &session.Runtime{
		Driver:  driver,
		Control: control,
		NewSTT: func(h speech.TranscriberHandler, diarize bool) (speech.Transcriber, error) {
			c := sttConfig
			c.Diarize = diarize
			t := deepgram.NewTranscriber(c, h, log)
			if err := t.Start(ctx); err != nil {
				return nil, err
			}
			return t, nil
		},
		NewTTS:              newTTS,
		SystemPrompt:        cfg.Agent.SystemPrompt,
		InterruptionOnAudio: cfg.Agent.InterruptionOnAudio,
		Log:                 log,
	}

	var appointments *store.Store
	if cfg.Database.DSN != "" {
		appointments, err = store.New(ctx, cfg.Database.DSN, log)
		if err != nil {
			log.Error("appointment store unavailable", zap.Error(err))
			return err
		}
		defer appointments.Close()
		rt.Store = appointments
	}

	registry := session.NewRegistry(rt)

	var calendar tools.Calendar
	if cfg.Calendar.BaseURL != "" {
		calendar = tools.NewHTTPCalendar(cfg.Calendar.BaseURL, cfg.Calendar.APIKey, log)
	}
	toolFactory := func(streamSid string) llm.ToolExecutor {
		return tools.NewExecutor(streamSid, registry, calendar, log)
	}
	rt.Tools = toolFactory

	coordConfig := conference.CoordinatorConfig{
		Driver:       driver,
		NewTTS:       newTTS,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Log:          log,
	}
	if cfg.Gatekeeper.APIKey != "" {
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.Gatekeeper.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			log.Error("gatekeeper client failed", zap.Error(err))
			return err
		}
		coordConfig.Gatekeeper = conference.NewGenaiGatekeeper(genaiClient, cfg.Gatekeeper.Model, log)
	} else {
		log.Warn("no gatekeeper configured, conference AI stays silent")
		coordConfig.Gatekeeper = conference.Silent{}
	}

	transfers := conference.NewManager(conference.ManagerConfig{
		Registry:    registry,
		Control:     control,
		Coordinator: coordConfig,
		OwnerNumber: cfg.Telephony.OwnerNumber,
		PublicURL:   cfg.Server.PublicURL,
		WSURL:       cfg.Server.WSURL,
		Log:         log,
	})
	transfers.SetToolFactory(toolFactory)
	rt.Transfer = transfers

	srv := server.New(server.Config{
		Addr:      cfg.Server.Addr,
		WSURL:     cfg.Server.WSURL,
		Registry:  registry,
		Transfers: transfers,
		Log:       log,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	if appointments != nil {
		dispatcher := store.NewDispatcher(appointments, control, cfg.Server.PublicURL, log)
		group.Go(func() error {
			return dispatcher.Run(groupCtx)
		})
	}

	err = group.Wait()
	registry.Shutdown()
	transfers.Shutdown()

	if err != nil && ctx.Err() == nil {
		log.Error("runtime failure", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
