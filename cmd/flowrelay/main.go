package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowrelay/internal/as"
	"flowrelay/internal/config"
	"flowrelay/internal/decode"
	"flowrelay/internal/errlog"
	"flowrelay/internal/forward"
	"flowrelay/internal/listener"
	"flowrelay/internal/lookup"
	"flowrelay/internal/metrics"
	"flowrelay/internal/pipeline"
	"flowrelay/internal/ratelimit"
	"flowrelay/internal/stats"
	"flowrelay/internal/template"
	"flowrelay/pkg/flow"
)

// Exit codes, documented for operators running this under systemd/supervisord.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2
	exitFatal       = 3
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowrelay",
		Short: "Stateless NetFlow v9 / IPFIX relay with AS enrichment",
		Long: `flowrelay receives NetFlow v9 and IPFIX UDP datagrams, decodes them
using a per-exporter template cache, optionally enriches src/dst AS
numbers, and forwards every datagram on to one or more downstream
collectors unmodified in shape (only the AS bytes may be rewritten).

A line-oriented diagnostic server on stats_port answers stats/as_stats/
templates/errors/config/help/quit.`,
		RunE: run,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "flowrelay.yaml", "path to the YAML configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFatal)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger, err := config.NewLogger(cfg.General.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()

	counters := &flow.Counters{}
	errs := errlog.New()
	limiter := ratelimit.New(1.0)
	cache := template.New(template.DefaultMaxTemplates, cfg.TemplateIdleTimeout(), counters)

	decoder := decode.New(cache, counters, logger, limiter)
	decoder.SetErrorLog(errs)

	var asLookup lookup.ASLookup
	enricher := as.New(as.Options{
		ASExtraction:  cfg.Enrichment.ASExtraction,
		EnrichInPlace: cfg.Enrichment.EnrichInPlace,
		ASLookup:      asLookup,
	}, logger)

	ingress := listener.New(cfg.General.ListenPort, cfg.Performance.QueueSize, cfg.General.BufferSize, counters, logger)
	if err := ingress.Start(); err != nil {
		logger.Error("failed to bind ingress listener", zap.Error(err))
		os.Exit(exitBindFailure)
	}

	forwarder, err := forward.New(cfg.ResolvedCollectors(), cfg.Performance.QueueSize, counters, logger)
	if err != nil {
		logger.Error("failed to dial forwarding collectors", zap.Error(err))
		os.Exit(exitBindFailure)
	}
	forwarder.SetErrorLog(errs)
	forwarder.Start()

	statsSrv := stats.New(cfg.General.StatsPort, counters, cache, enricher, errs, cfg, logger)
	if cfg.Enrichment.ReverseDNS {
		statsSrv.SetReverseDNS(lookup.NewRDNSResolver(cfg.TemplateIdleTimeout()))
	}
	if err := statsSrv.Start(); err != nil {
		logger.Error("failed to bind stats server", zap.Error(err))
		os.Exit(exitBindFailure)
	}

	var metricsExp *metrics.Exporter
	if cfg.General.MetricsPort != 0 {
		metricsExp = metrics.New(cfg.General.MetricsPort, counters)
		if err := metricsExp.Start(); err != nil {
			logger.Error("failed to bind metrics exporter", zap.Error(err))
			os.Exit(exitBindFailure)
		}
	}

	pl := pipeline.New(ingress, forwarder, decoder, enricher, cache, counters, logger, cfg.Performance.Workers, cfg.Performance.QueueSize)
	pl.Start()

	logger.Info("flowrelay started",
		zap.Int("listen_port", cfg.General.ListenPort),
		zap.Int("stats_port", statsSrv.Port()),
		zap.Int("workers", cfg.Performance.Workers),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	// Stop order matters for the pkts_in = pkts_out + dropped invariant:
	// ingress must stop accepting before the pipeline stops draining it, or
	// datagrams the kernel delivers during shutdown are counted into
	// pkts_in but never reach a worker to be forwarded or dropped.
	ingress.Stop()
	pl.Stop()
	forwarder.Stop()
	statsSrv.Stop()
	if metricsExp != nil {
		metricsExp.Stop()
	}

	os.Exit(exitOK)
	return nil
}
