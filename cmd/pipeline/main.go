// Command pipeline runs the sensor processing daemon for one bioreactor
// vessel: it periodically fetches a raw multi-sensor window, cleans and
// repairs it, derives the physiological feature vector, publishes the
// result to the feature store, and raises quality and process alerts.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fermlab/biopipe/cmd/pipeline/config"
	"github.com/fermlab/biopipe/cmd/pipeline/logger"
	"github.com/fermlab/biopipe/cmd/pipeline/metrics"
	"github.com/fermlab/biopipe/cmd/pipeline/router"
	"github.com/fermlab/biopipe/cmd/pipeline/sinks"
	"github.com/fermlab/biopipe/pkg/alerting"
	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/features"
	"github.com/fermlab/biopipe/pkg/httpx"
	"github.com/fermlab/biopipe/pkg/timeseries"
	"github.com/fermlab/biopipe/pkg/tls"
)

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sensors, err := cfg.LoadSensors()
	if err != nil {
		log.Error("failed to load sensor table", "error", err)
		os.Exit(1)
	}

	log.Info("starting pipeline daemon",
		"vessel", cfg.Vessel,
		"batch", cfg.Batch,
		"sensors", len(sensors),
		"interval", cfg.Interval,
	)

	m := metrics.New(cfg.Vessel)

	store, closeStore, err := sinks.NewStore(cfg, log)
	if err != nil {
		log.Error("failed to create feature store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	alertSink, closeSink, err := sinks.NewAlertSink(cfg, log)
	if err != nil {
		log.Error("failed to create alert sink", "error", err)
		os.Exit(1)
	}
	defer closeSink()

	publisher := alerting.NewPublisher(alertSink, 0, 0, log)
	defer publisher.Close()

	source := &timeseries.HTTPSource{
		URL:             cfg.SourceURL,
		Method:          cfg.SourceMethod,
		Body:            cfg.SourceBody,
		ValuePath:       cfg.SourceValuePath,
		TimestampPath:   cfg.SourceTimestampPath,
		TimestampFormat: cfg.SourceTimestampFormat,
		TemplateVars:    cfg.SourceVars,
		HTTPClient:      &http.Client{Timeout: cfg.FetchTimeout},
	}

	pipeline := NewPipeline(PipelineOptions{
		Source:       source,
		Cleaner:      cleaning.NewCleaner(sensors, cfg.CleaningConfig(), log),
		Engineer:     features.NewEngineer(cfg.FeatureConfig(), log),
		Store:        store,
		Publisher:    publisher,
		Monitor:      alerting.NewQualityMonitor(cfg.QualityWarnRatio, cfg.QualityCritRatio),
		Metrics:      m,
		Logger:       log,
		Vessel:       cfg.Vessel,
		Batch:        cfg.Batch,
		Window:       cfg.Window,
		Interval:     cfg.Interval,
		SamplePeriod: cfg.SamplePeriod,
		FetchTimeout: cfg.FetchTimeout,
	})

	if err := pipeline.Start(); err != nil {
		log.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	mux := router.New(pipeline, store, cfg.Vessel, cfg.Public(), log)

	handler := httpx.RecoveryMiddleware(log)(httpx.LoggingMiddleware(log)(mux))
	server := httpx.NewServer(cfg.Listen, handler, log)

	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			tlsConfig, err := tls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
			if err != nil {
				serverErr <- err
				return
			}
			server.SetTLSConfig(tlsConfig)
			serverErr <- server.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErr <- server.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	case s := <-sig:
		log.Info("received signal, shutting down", "signal", s.String())
	}

	if err := pipeline.Stop(); err != nil && err != router.ErrNotRunning {
		log.Error("pipeline stop failed", "error", err)
	}

	if err := server.Stop(15 * time.Second); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("pipeline daemon stopped")
}
