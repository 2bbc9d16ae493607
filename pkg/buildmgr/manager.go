// Package buildmgr holds build records, the pending-build queue and the
// mirror lock shared by every worker.
package buildmgr

import (
	"context"
	"path/filepath"
)

// Manager is the build-record store consumed by the pipeline and the
// progress estimator.
type Manager interface {
	// SubmitBuild stores a new PENDING build and queues its id.
	SubmitBuild(ctx context.Context, info BuildInfo) (string, error)
	// NextBuildID blocks until a queued build id is available or ctx is done.
	NextBuildID(ctx context.Context) (string, error)
	BuildInfo(ctx context.Context, id string) (BuildInfo, error)
	// ClaimBuild atomically moves a PENDING build to RUNNING. It returns
	// false when the build is not PENDING, which means another worker won.
	ClaimBuild(ctx context.Context, id string) (bool, error)
	UpdateBuildState(ctx context.Context, id string, state BuildState) error
	// UpdateBuildProgressPercent is a no-op unless the build is RUNNING.
	UpdateBuildProgressPercent(ctx context.Context, id string, percent int) error
	RunningBuildIDs(ctx context.Context) ([]string, error)
	// AcquireMirrorLock blocks until the process-wide mirror guard is held.
	// The returned func releases it and is safe to call more than once.
	AcquireMirrorLock(ctx context.Context) (func(), error)

	ArtifactsDirPath(id string) string
	LogPath(id string) string
	ArchivePath(id string) string
}

// Layout derives per-build artifact paths under one root directory.
type Layout struct {
	ArtifactsRoot string
}

// ArtifactsDirPath returns <root>/<id>.
func (l Layout) ArtifactsDirPath(id string) string {
	return filepath.Join(l.ArtifactsRoot, id)
}

// LogPath returns <root>/<id>/build.log.
func (l Layout) LogPath(id string) string {
	return filepath.Join(l.ArtifactsDirPath(id), "build.log")
}

// ArchivePath returns <root>/<id>/<id>.tar.gz.
func (l Layout) ArchivePath(id string) string {
	return filepath.Join(l.ArtifactsDirPath(id), id+".tar.gz")
}
