// Package gitsrc provisions firmware sources: it keeps one shared local
// mirror of the upstream project and produces isolated per-build checkouts
// sourced from that mirror.
package gitsrc

import "context"

// RemoteRef is one line of a remote ref listing.
type RemoteRef struct {
	Hash string
	Name string
}

// FetchOptions controls a fetch from a named remote.
type FetchOptions struct {
	Force bool
	Tags  bool
	// AllBranches fetches +refs/heads/* into refs/remotes/<remote>/*.
	AllBranches bool
}

// ShallowCloneOptions controls a depth-limited single-branch clone.
type ShallowCloneOptions struct {
	Branch string
	Origin string
	Depth  int
}

// SubmoduleOptions controls a submodule update.
type SubmoduleOptions struct {
	Init      bool
	Recursive bool
	Force     bool
}

// Git is the narrow set of version-control operations the provisioner
// needs. Every method taking dir operates on the repository rooted there.
type Git interface {
	IsRepository(dir string) bool
	Clone(ctx context.Context, url, dest string) error
	CloneShallow(ctx context.Context, source, dest string, opts ShallowCloneOptions) error

	ListRemotes(ctx context.Context, dir string) (map[string]string, error)
	// RemoteAdd returns a *DuplicateRemoteError when name already exists.
	RemoteAdd(ctx context.Context, dir, name, url string) error
	RemoteSetURL(ctx context.Context, dir, name, url string) error
	// ListRemoteRefs lists refs advertised by the named remote.
	ListRemoteRefs(ctx context.Context, dir, remote string) ([]RemoteRef, error)

	HasCommit(ctx context.Context, dir, commit string) (bool, error)
	Fetch(ctx context.Context, dir, remote string, opts FetchOptions) error
	Checkout(ctx context.Context, dir, ref string, force bool) error
	Reset(ctx context.Context, dir, ref string, hard bool) error
	// Clean removes untracked and ignored files recursively, including
	// nested repositories.
	Clean(ctx context.Context, dir string) error
	SubmoduleUpdate(ctx context.Context, dir string, opts SubmoduleOptions) error

	CreateBranch(ctx context.Context, dir, name, startPoint string) error
	DeleteBranch(ctx context.Context, dir, name string) error
	SetConfig(ctx context.Context, dir, key, value string) error
}
