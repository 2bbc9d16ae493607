package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/cleaner"
	"github.com/vyvo/fwbuild/pkg/logging"
	"github.com/vyvo/fwbuild/pkg/pipeline"
	"github.com/vyvo/fwbuild/pkg/progress"
	"github.com/vyvo/fwbuild/pkg/scheduler"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the build queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := loadApp(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startTracing(ctx)

			if err := a.syncMirror(ctx); err != nil {
				return fmt.Errorf("prepare mirror: %w", err)
			}

			p, err := a.newPipeline(prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}

			if err := registerCollector(prometheus.DefaultRegisterer, queueLengthGauge(a.manager, a.logger)); err != nil {
				return err
			}

			sweeper := cleaner.New(a.cfg.ArtifactsDir, a.cfg.Retention, a.manager, nil, a.logger)
			var hist historyReader
			if a.history != nil {
				sweeper.WithHistory(a.history)
				hist = a.history
			}
			sched, err := scheduler.New([]scheduler.Task{
				progress.New(a.manager, a.logger).Task(a.cfg.ProgressInterval),
				sweeper.Task(a.cfg.CleanupInterval),
			}, scheduler.WithLogger(a.logger))
			if err != nil {
				return err
			}
			sched.Start(ctx)
			defer sched.Stop()

			opsErr := make(chan error, 1)
			if a.cfg.OpsAddr != "" {
				go func() {
					opsErr <- serveOps(ctx, a.cfg.OpsAddr, newOpsRouter(prometheus.DefaultGatherer, a.manager, hist, a.cfg.OpsToken), a.logger)
				}()
			}

			workerErr := make(chan error, 1)
			go func() { workerErr <- pipeline.NewWorker(a.manager, p, a.logger).Run(ctx) }()

			select {
			case err := <-workerErr:
				return err
			case err := <-opsErr:
				if err != nil {
					stop()
					<-workerErr
					return fmt.Errorf("ops server: %w", err)
				}
				return <-workerErr
			}
		},
	}
}

func newMirrorCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the local source mirror",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Clone the mirror if missing and register every whitelisted remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := loadApp(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.syncMirror(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mirror ready at %s (%d remotes)\n", a.mirror.Path(), len(a.remotes.List()))
			return nil
		},
	})
	return cmd
}

type requestFlags struct {
	vehicle  string
	board    string
	remote   string
	ref      string
	features []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.vehicle, "vehicle", "", "vehicle to build (e.g. copter)")
	cmd.Flags().StringVar(&f.board, "board", "", "target board (e.g. MatekH743)")
	cmd.Flags().StringVar(&f.remote, "remote", "ardupilot", "whitelisted remote name")
	cmd.Flags().StringVar(&f.ref, "ref", "master", "branch, tag or commit on the remote")
	cmd.Flags().StringArrayVar(&f.features, "feature", nil, "define to enable (repeatable)")
	_ = cmd.MarkFlagRequired("vehicle")
	_ = cmd.MarkFlagRequired("board")
}

// buildInfo resolves the remote name against the whitelist.
func (f *requestFlags) buildInfo(a *app) (buildmgr.BuildInfo, error) {
	remote, ok := a.remotes.Get(f.remote)
	if !ok {
		return buildmgr.BuildInfo{}, fmt.Errorf("remote %q is not whitelisted", f.remote)
	}
	return buildmgr.BuildInfo{
		Vehicle:          f.vehicle,
		Board:            f.board,
		Remote:           remote,
		GitHash:          f.ref,
		SelectedFeatures: f.features,
	}, nil
}

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	req := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a build for the workers sharing the Redis store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.RedisURL == "" {
				return errors.New("submit needs redis_url; use run for an in-process build")
			}

			info, err := req.buildInfo(a)
			if err != nil {
				return err
			}
			id, err := a.manager.SubmitBuild(cmd.Context(), info)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	req.register(cmd)
	return cmd
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	req := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build one firmware in-process and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			// One-shot builds never touch the shared queue.
			a, err := loadApp(flags, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startTracing(ctx)

			info, err := req.buildInfo(a)
			if err != nil {
				return err
			}
			if err := a.syncMirror(ctx); err != nil {
				return fmt.Errorf("prepare mirror: %w", err)
			}
			p, err := a.newPipeline(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			id, err := a.manager.SubmitBuild(ctx, info)
			if err != nil {
				return err
			}
			a.logger.Info("build submitted", logging.BuildID(id))

			state, err := p.Process(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "build %s: %s\n", id, state)
			fmt.Fprintf(out, "log: %s\n", a.manager.LogPath(id))
			if state != buildmgr.StateSuccess {
				return fmt.Errorf("build %s finished in state %s", id, state)
			}
			fmt.Fprintf(out, "archive: %s\n", a.manager.ArchivePath(id))
			return nil
		},
	}
	req.register(cmd)
	return cmd
}
