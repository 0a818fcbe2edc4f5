package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/node-sizer/internal/artifact"
	"github.com/hochfrequenz/node-sizer/internal/config"
	"github.com/hochfrequenz/node-sizer/internal/corpus"
	"github.com/hochfrequenz/node-sizer/internal/features"
	"github.com/hochfrequenz/node-sizer/internal/history"
	"github.com/hochfrequenz/node-sizer/internal/logger"
	"github.com/hochfrequenz/node-sizer/internal/monitor"
	"github.com/hochfrequenz/node-sizer/internal/notify"
	"github.com/hochfrequenz/node-sizer/internal/pipeline"
	"github.com/hochfrequenz/node-sizer/internal/predictor"
	"github.com/hochfrequenz/node-sizer/internal/retrain"
	"github.com/hochfrequenz/node-sizer/internal/runner"
	"github.com/hochfrequenz/node-sizer/internal/tier"
)

// app holds the components shared by the subcommands
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	tiers  *tier.Table
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tiers, err := cfg.TierTable()
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger.Init(cfg.Log.Level, cfg.Log.Format),
		tiers:  tiers,
	}, nil
}

// applyFlags overrides config values with explicitly set flags
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("min-records") {
		cfg.Retrain.MinRecords = flagMinRecords
	}
	if flags.Changed("model-path") {
		cfg.Model.Path = config.ExpandPath(flagModelPath)
	}
	if flags.Changed("metrics-path") {
		cfg.Corpus.Path = config.ExpandPath(flagMetricsPath)
	}
	if flags.Changed("build-type") {
		cfg.General.BuildType = flagBuildType
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
}

// fileVersion is a model fingerprint taken once, for one-shot commands
type fileVersion string

func (v fileVersion) Version() string { return string(v) }

func snapshotVersion(path string) fileVersion {
	v, _ := artifact.Version(path)
	return fileVersion(v)
}

func (a *app) extractor() *features.Extractor {
	return features.NewExtractor(features.NewGitVCS(a.cfg.General.RepoDir), a.logger)
}

func (a *app) predictor(versions predictor.VersionSource) *predictor.Predictor {
	model := &predictor.CommandModel{
		Command: a.cfg.Model.PredictCommand,
		Timeout: a.cfg.PredictTimeout(),
	}
	return predictor.New(a.cfg.Model.Path, model,
		predictor.WithVersionSource(versions),
		predictor.WithLogger(a.logger))
}

func (a *app) corpus() *corpus.Corpus {
	return corpus.New(a.cfg.Corpus.Path, corpus.WithLogger(a.logger))
}

func (a *app) monitor() *monitor.Monitor {
	return monitor.New(monitor.HostSampler{},
		monitor.WithInterval(a.cfg.MonitorInterval()),
		monitor.WithStopTimeout(a.cfg.MonitorStopTimeout()),
		monitor.WithLogger(a.logger))
}

func (a *app) notifier() notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(a.logger)}
	if a.cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook))
	}
	return notify.NewMultiNotifier(notifiers...)
}

func (a *app) gate(c retrain.Corpus, opts ...retrain.Option) *retrain.Gate {
	trainer := &retrain.CommandTrainer{
		Command: a.cfg.Retrain.TrainCommand,
		Timeout: a.cfg.TrainTimeout(),
		Logger:  a.logger,
	}
	base := []retrain.Option{
		retrain.WithMinRecords(a.cfg.Retrain.MinRecords),
		retrain.WithNotifier(a.notifier()),
		retrain.WithLogger(a.logger),
	}
	return retrain.NewGate(c, trainer, a.cfg.Model.Path, append(base, opts...)...)
}

// openHistory opens the decision ledger. A ledger that cannot be opened
// is logged and skipped; sizing never depends on it.
func (a *app) openHistory() *history.Store {
	path := a.cfg.History.DatabasePath
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		a.logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	store, err := history.New(path)
	if err != nil {
		a.logger.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	return store
}

// pipeline assembles the full sizing loop
func (a *app) pipeline(versions predictor.VersionSource, store *history.Store, opts ...pipeline.Option) *pipeline.Pipeline {
	c := a.corpus()
	var gateOpts []retrain.Option
	if store != nil {
		gateOpts = append(gateOpts, retrain.WithRecorder(store))
	}

	base := []pipeline.Option{
		pipeline.WithMonitor(a.monitor()),
		pipeline.WithCorpus(c),
		pipeline.WithExecutor(runner.New(a.cfg.General.Shell, a.logger)),
		pipeline.WithNotifier(a.notifier()),
		pipeline.WithLogger(a.logger),
	}
	if a.cfg.Retrain.AfterBuild {
		base = append(base, pipeline.WithRetrainer(a.gate(c, gateOpts...)))
	}
	if store != nil {
		base = append(base, pipeline.WithLedger(store))
	}
	return pipeline.New(a.extractor(), a.predictor(versions), a.tiers, append(base, opts...)...)
}
