package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/config"
	"github.com/vyvo/fwbuild/pkg/gitsrc"
	"github.com/vyvo/fwbuild/pkg/history"
	"github.com/vyvo/fwbuild/pkg/logging"
	"github.com/vyvo/fwbuild/pkg/metadata"
	"github.com/vyvo/fwbuild/pkg/pipeline"
	"github.com/vyvo/fwbuild/pkg/publish"
	"github.com/vyvo/fwbuild/pkg/remotes"
	"github.com/vyvo/fwbuild/pkg/telemetry"
)

// buildStore is a build manager that can also report its queue depth.
type buildStore interface {
	buildmgr.Manager
	QueueLength(ctx context.Context) (int64, error)
}

// app holds the handles every command shares. Each is built once here and
// passed to its dependents.
type app struct {
	cfg     config.BuilderConfig
	logger  *slog.Logger
	manager buildStore
	git     *gitsrc.CLI
	mirror  *gitsrc.Mirror
	remotes *remotes.Registry
	// history is nil unless database_url is set.
	history *history.PostgresStore

	closers []func() error
}

// loadApp builds the shared handles. inProcess forces the in-memory build
// store even when redis_url is set.
func loadApp(flags *rootFlags, stderr io.Writer, inProcess bool) (*app, error) {
	cfg, err := config.LoadBuilder(flags.configFile)
	if err != nil {
		return nil, err
	}
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	switch {
	case inProcess:
		a.manager = buildmgr.NewMemManager(cfg.ArtifactsDir, 1)
	case cfg.RedisURL != "":
		rm, err := buildmgr.NewRedisManager(cfg.RedisURL, cfg.ArtifactsDir, buildmgr.RedisOptions{})
		if err != nil {
			return nil, err
		}
		a.manager = rm
		a.closers = append(a.closers, rm.Close)
	default:
		logger.Warn("redis_url not set, using the in-process build store")
		a.manager = buildmgr.NewMemManager(cfg.ArtifactsDir, 0)
	}

	a.remotes, err = remotes.New(cfg.Remotes...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if cfg.DatabaseURL != "" {
		a.history, err = history.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.history.Close)
	}
	a.git = gitsrc.NewCLI(cfg.GitTimeout, logger)
	a.mirror = gitsrc.NewMirror(cfg.MirrorPath, cfg.UpstreamURL, a.git, a.manager, logger)
	return a, nil
}

// syncMirror makes sure the mirror exists and knows every whitelisted
// remote.
func (a *app) syncMirror(ctx context.Context) error {
	if err := a.mirror.EnsureMirror(ctx); err != nil {
		return err
	}
	for _, r := range a.remotes.List() {
		if err := a.mirror.EnsureRemote(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// newPipeline wires the pipeline with the optional history store and
// publisher when they are configured.
func (a *app) newPipeline(reg prometheus.Registerer) (*pipeline.Pipeline, error) {
	deps := pipeline.Deps{
		Manager: a.manager,
		Mirror:  a.mirror,
		Git:     a.git,
		Options: metadata.NewFetcher(a.mirror, a.logger),
		Runner:  pipeline.ExecRunner{Timeout: a.cfg.BuildTimeout},
		Remotes: a.remotes,
		Metrics: pipeline.NewMetrics(reg),
		Logger:  a.logger,
	}
	if a.history != nil {
		deps.Recorder = a.history
	}
	if a.cfg.SFTP.Enabled() {
		pub, err := publish.NewSFTPPublisher(a.cfg.SFTP, a.logger)
		if err != nil {
			return nil, err
		}
		deps.Publisher = pub
	}
	return pipeline.New(pipeline.Config{
		Workdir:      a.cfg.Workdir,
		BuildTool:    a.cfg.BuildToolArgs(),
		ToolchainDir: a.cfg.ToolchainDir,
	}, deps)
}

func (a *app) startTracing(ctx context.Context) {
	if !a.cfg.Trace {
		return
	}
	shutdown := telemetry.InitTracer(ctx, "fwbuild", Version, os.Stderr, a.logger)
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
