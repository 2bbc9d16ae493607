// Package pipeline turns one queued build request into a firmware archive:
// workspace provisioning, override generation, the build-tool run,
// archiving and cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/gitsrc"
	"github.com/vyvo/fwbuild/pkg/history"
	"github.com/vyvo/fwbuild/pkg/logging"
	"github.com/vyvo/fwbuild/pkg/metadata"
)

const (
	srcDirName = "build_src"

	StageWorkspace = "workspace"
	StageProvision = "provision"
	StageHWDef     = "hwdef"
	StageArtifacts = "artifacts"
	StageBuild     = "build"
	StageArchive   = "archive"
	StageCleanup   = "cleanup"
)

// DefaultBuildTool is the build-tool command prefix run from the source
// checkout.
var DefaultBuildTool = []string{"python3", "./waf"}

// OptionsSource supplies the feature defines known at a commit.
type OptionsSource interface {
	BuildOptionsAtCommit(ctx context.Context, remote, commitRef string) ([]metadata.BuildOption, error)
}

// RemoteChecker rejects remotes that builds may not use.
type RemoteChecker interface {
	Check(remote buildmgr.RemoteInfo) error
}

// Publisher delivers a successful build's archive somewhere else.
type Publisher interface {
	Publish(ctx context.Context, buildID, archivePath string) error
}

// Recorder stores the outcome of finished builds.
type Recorder interface {
	RecordBuild(ctx context.Context, rec history.Record) error
}

// Config holds the pipeline's filesystem and build-tool settings.
type Config struct {
	Workdir      string
	BuildTool    []string
	ToolchainDir string
}

// Deps are the collaborators a Pipeline drives. Remotes, Publisher,
// Recorder and Metrics are optional.
type Deps struct {
	Manager   buildmgr.Manager
	Mirror    *gitsrc.Mirror
	Git       gitsrc.Git
	Options   OptionsSource
	Runner    CommandRunner
	Remotes   RemoteChecker
	Publisher Publisher
	Recorder  Recorder
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Pipeline runs builds one stage at a time. A single Pipeline may process
// builds from several goroutines; each build owns its own workspace.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New returns a Pipeline. Manager, Mirror, Git, Options and Runner are
// required.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Manager == nil:
		return nil, errors.New("pipeline: manager is required")
	case deps.Mirror == nil:
		return nil, errors.New("pipeline: mirror is required")
	case deps.Git == nil:
		return nil, errors.New("pipeline: git is required")
	case deps.Options == nil:
		return nil, errors.New("pipeline: options source is required")
	case deps.Runner == nil:
		return nil, errors.New("pipeline: command runner is required")
	case cfg.Workdir == "":
		return nil, errors.New("pipeline: workdir is required")
	}
	if len(cfg.BuildTool) == 0 {
		cfg.BuildTool = DefaultBuildTool
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrDefault(deps.Logger),
		tracer: otel.Tracer("github.com/vyvo/fwbuild/pkg/pipeline"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WorkspacePath returns <workdir>/<id>.
func (p *Pipeline) WorkspacePath(id string) string {
	return filepath.Join(p.cfg.Workdir, id)
}

// Process claims build id and runs it to a terminal state, which it
// returns. A build owned by another worker is left alone and its current
// state returned. The error is the reason for a FAILURE, or a store error.
func (p *Pipeline) Process(ctx context.Context, id string) (buildmgr.BuildState, error) {
	logger := p.logger.With(logging.BuildID(id))

	info, err := p.deps.Manager.BuildInfo(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load build %s: %w", id, err)
	}
	claimed, err := p.deps.Manager.ClaimBuild(ctx, id)
	if err != nil {
		return "", fmt.Errorf("claim build %s: %w", id, err)
	}
	if !claimed {
		logger.Info("build already claimed, skipping")
		return info.Progress.State, nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.build", trace.WithAttributes(
		attribute.String("build.id", id),
		attribute.String("build.vehicle", info.Vehicle),
		attribute.String("build.board", info.Board),
		attribute.String("build.remote", info.Remote.Name),
	))
	defer span.End()

	started := p.now()
	p.deps.Metrics.buildStarted()
	logger.Info("build started", slog.String("vehicle", info.Vehicle), slog.String("board", info.Board),
		logging.Remote(info.Remote.Name), logging.Ref(info.GitHash))

	res := p.run(ctx, id, info, logger)

	state := buildmgr.StateSuccess
	if res.err != nil {
		state = buildmgr.StateFailure
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}

	// The terminal state must land even when ctx was cancelled mid-build.
	stateCtx := context.WithoutCancel(ctx)
	if err := p.deps.Manager.UpdateBuildState(stateCtx, id, state); err != nil {
		logger.Error("set terminal state failed", logging.State(string(state)), logging.Error(err))
	}
	p.deps.Metrics.buildFinished(state)

	elapsed := p.now().Sub(started)
	if res.err != nil {
		logger.Error("build failed", logging.Error(res.err), logging.DurationMS(float64(elapsed.Milliseconds())))
	} else {
		logger.Info("build succeeded", logging.Commit(res.commit), logging.DurationMS(float64(elapsed.Milliseconds())))
	}

	if state == buildmgr.StateSuccess && p.deps.Publisher != nil {
		err := p.deps.Publisher.Publish(stateCtx, id, res.archive)
		p.deps.Metrics.published(err)
		if err != nil {
			logger.Warn("publish archive failed", logging.Path(res.archive), logging.Error(err))
		}
	}

	if p.deps.Recorder != nil {
		rec := history.Record{
			ID:         id,
			Vehicle:    info.Vehicle,
			Board:      info.Board,
			Remote:     info.Remote,
			GitRef:     info.GitHash,
			Commit:     res.commit,
			Features:   info.SelectedFeatures,
			State:      state,
			Archive:    res.archive,
			StartedAt:  started,
			FinishedAt: p.now(),
		}
		if res.err != nil {
			rec.Error = res.err.Error()
		}
		if err := p.deps.Recorder.RecordBuild(stateCtx, rec); err != nil {
			logger.Warn("record build history failed", logging.Error(err))
		}
	}
	return state, res.err
}

type result struct {
	commit  string
	archive string
	err     error
}

func (p *Pipeline) run(ctx context.Context, id string, info buildmgr.BuildInfo, logger *slog.Logger) result {
	ws := p.WorkspacePath(id)

	if err := p.stage(ctx, logger, StageWorkspace, func(context.Context) error {
		return createWorkspace(ws)
	}); err != nil {
		// The directory belongs to someone else; leave it alone.
		return result{err: err}
	}

	var res result
	res.err = p.buildStages(ctx, id, info, ws, logger, &res.commit)

	artifacts := p.deps.Manager.ArtifactsDirPath(id)
	if _, err := os.Stat(artifacts); err == nil {
		archive := p.deps.Manager.ArchivePath(id)
		err := p.stage(ctx, logger, StageArchive, func(context.Context) error {
			return p.archive(id, info, ws, archive)
		})
		switch {
		case err == nil:
			res.archive = archive
		case res.err == nil:
			res.err = err
		default:
			logger.Warn("diagnostic archive failed", logging.Error(err))
		}
	}

	if err := p.stage(ctx, logger, StageCleanup, func(context.Context) error {
		return os.RemoveAll(ws)
	}); err != nil {
		logger.Warn("workspace cleanup failed", logging.Path(ws), logging.Error(err))
	}
	return res
}

func createWorkspace(ws string) error {
	if err := os.MkdirAll(filepath.Dir(ws), 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	if err := os.Mkdir(ws, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return configErr(StageWorkspace, "workspace %s already exists", ws)
		}
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (p *Pipeline) buildStages(ctx context.Context, id string, info buildmgr.BuildInfo, ws string, logger *slog.Logger, commit *string) error {
	src := filepath.Join(ws, srcDirName)
	hwdef := filepath.Join(ws, HWDefFile)

	err := p.stage(ctx, logger, StageProvision, func(ctx context.Context) error {
		if info.Remote.Name == "" || info.Remote.URL == "" {
			return configErr(StageProvision, "build has no remote")
		}
		if p.deps.Remotes != nil {
			if err := p.deps.Remotes.Check(info.Remote); err != nil {
				return &ConfigurationError{Stage: StageProvision, Err: err}
			}
		}
		if err := p.deps.Mirror.EnsureRemote(ctx, info.Remote); err != nil {
			return err
		}
		c, err := p.deps.Mirror.ShallowCloneFromMirror(ctx, info.Remote.Name, info.GitHash, src)
		if err != nil {
			return err
		}
		*commit = c
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, logger, StageHWDef, func(ctx context.Context) error {
		opts, err := p.deps.Options.BuildOptionsAtCommit(ctx, info.Remote.Name, *commit)
		if err != nil {
			return fmt.Errorf("load build options: %w", err)
		}
		return writeHWDef(hwdef, metadata.Defines(opts), info.FeatureSet())
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, logger, StageArtifacts, func(context.Context) error {
		return os.MkdirAll(p.deps.Manager.ArtifactsDirPath(id), 0o755)
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, logger, StageBuild, func(ctx context.Context) error {
		return p.build(ctx, id, info, ws, src, hwdef, *commit)
	})
}

func (p *Pipeline) build(ctx context.Context, id string, info buildmgr.BuildInfo, ws, src, hwdef, commit string) error {
	for _, pre := range []struct{ what, path string }{
		{"workspace", ws},
		{"source checkout", src},
		{"override file", hwdef},
	} {
		if _, err := os.Stat(pre.path); err != nil {
			return configErr(StageBuild, "%s missing at %s", pre.what, pre.path)
		}
	}

	repo := gitsrc.NewWorkspace(src, p.deps.Git, p.logger)
	if _, err := repo.CheckoutCommit(ctx, info.Remote.Name, commit, gitsrc.CheckoutOptions{
		Force:     true,
		HardReset: true,
		CleanTree: true,
	}); err != nil {
		return err
	}
	if err := repo.SyncSubmodules(ctx); err != nil {
		return fmt.Errorf("sync submodules: %w", err)
	}

	log, err := openBuildLog(p.deps.Manager.LogPath(id))
	if err != nil {
		return fmt.Errorf("open build log: %w", err)
	}
	defer log.Close()

	env := toolchainEnv(p.cfg.ToolchainDir)
	phases := []struct {
		name   string
		marker string
		args   []string
	}{
		{"configure", "Running waf configure", []string{"configure", "--board", info.Board, "--out", ws, "--extra-hwdef", hwdef}},
		{"clean", "Running clean", []string{"clean"}},
		{"build", "Running build", []string{info.Vehicle}},
	}

	if err := log.marker("Setting vehicle to: %s", vehicleLabel(info.Vehicle)); err != nil {
		return fmt.Errorf("write build log: %w", err)
	}
	for _, ph := range phases {
		if err := log.marker("%s", ph.marker); err != nil {
			return fmt.Errorf("write build log: %w", err)
		}
		args := append(append([]string(nil), p.cfg.BuildTool...), ph.args...)
		if err := p.deps.Runner.Run(ctx, Command{Dir: src, Args: args, Env: env, Output: log}); err != nil {
			_ = log.marker("%s failed: %v", ph.name, err)
			return &BuildToolError{Phase: ph.name, Err: err}
		}
	}
	if err := log.marker("done build"); err != nil {
		return fmt.Errorf("write build log: %w", err)
	}
	return nil
}

func (p *Pipeline) archive(id string, info buildmgr.BuildInfo, ws, dst string) error {
	bins, err := boardBinaries(ws, info.Board)
	if err != nil {
		return fmt.Errorf("list binaries: %w", err)
	}
	files := bins
	for _, f := range []string{p.deps.Manager.LogPath(id), filepath.Join(ws, HWDefFile)} {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	if err := writeArchive(dst, id, files); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.stage."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	p.deps.Metrics.observeStage(name, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%s: %w", name, err)
		}
		return err
	}
	logger.Debug("stage complete", logging.Stage(name), logging.DurationMS(float64(elapsed.Milliseconds())))
	return nil
}

// vehicleLabel formats a vehicle name for the build log: first letter upper
// case, the rest lower case ("copter" -> "Copter").
func vehicleLabel(v string) string {
	r, size := utf8.DecodeRuneInString(v)
	if size == 0 {
		return v
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(v[size:])
}
