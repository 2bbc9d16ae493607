// Package gitsrctest provides an in-memory gitsrc.Git for tests.
package gitsrctest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/vyvo/fwbuild/pkg/gitsrc"
)

// Call records one invocation of the fake.
type Call struct {
	Op   string
	Dir  string
	Args []string
}

type repo struct {
	remotes  map[string]string
	commits  map[string]bool
	branches map[string]string
	head     string
}

// Fake simulates repositories keyed by directory. Clone targets are also
// created on disk so callers that stat them see real directories.
type Fake struct {
	mu    sync.Mutex
	repos map[string]*repo
	calls []Call

	// UpstreamCommits are the commits a Clone of any URL starts with.
	UpstreamCommits []string
	// RemoteRefs is what ListRemoteRefs returns, keyed by remote name.
	RemoteRefs map[string][]gitsrc.RemoteRef
	// Fetchable lists commits a Fetch from the named remote makes present
	// when the remote does not point at another fake repository.
	Fetchable map[string][]string
	// Errs makes the named operation fail.
	Errs map[string]error

	// Before and After run around every operation, outside the fake's lock.
	Before func(Call)
	After  func(Call)
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		repos:      make(map[string]*repo),
		RemoteRefs: make(map[string][]gitsrc.RemoteRef),
		Fetchable:  make(map[string][]string),
		Errs:       make(map[string]error),
	}
}

// AddRepo registers an existing repository at dir holding commits.
func (f *Fake) AddRepo(dir string, commits ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[dir] = newRepo(commits)
}

func newRepo(commits []string) *repo {
	r := &repo{remotes: map[string]string{}, commits: map[string]bool{}, branches: map[string]string{}}
	for _, c := range commits {
		r.commits[c] = true
	}
	return r
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CountOp returns how many calls of op were made.
func (f *Fake) CountOp(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Remotes returns the remotes of the repository at dir.
func (f *Fake) Remotes(dir string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	if r, ok := f.repos[dir]; ok {
		for k, v := range r.remotes {
			out[k] = v
		}
	}
	return out
}

// Head returns the checked out commit of the repository at dir.
func (f *Fake) Head(dir string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.repos[dir]; ok {
		return r.head
	}
	return ""
}

// Branches returns the local branches of the repository at dir.
func (f *Fake) Branches(dir string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	if r, ok := f.repos[dir]; ok {
		for k, v := range r.branches {
			out[k] = v
		}
	}
	return out
}

func (f *Fake) record(op, dir string, args ...string) (func(), error) {
	call := Call{Op: op, Dir: dir, Args: args}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.Errs[op]
	f.mu.Unlock()

	if f.Before != nil {
		f.Before(call)
	}
	done := func() {
		if f.After != nil {
			f.After(call)
		}
	}
	return done, err
}

func (f *Fake) repo(dir string) (*repo, error) {
	r, ok := f.repos[dir]
	if !ok {
		return nil, fmt.Errorf("fake: no repository at %s", dir)
	}
	return r, nil
}

func (f *Fake) IsRepository(dir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.repos[dir]
	return ok
}

func (f *Fake) Clone(_ context.Context, url, dest string) error {
	done, err := f.record("clone", dest, url)
	defer done()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newRepo(f.UpstreamCommits)
	r.remotes["origin"] = url
	f.repos[dest] = r
	return nil
}

func (f *Fake) CloneShallow(_ context.Context, source, dest string, opts gitsrc.ShallowCloneOptions) error {
	done, err := f.record("clone-shallow", dest, source, opts.Branch, opts.Origin)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	src, err := f.repo(source)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	commit, ok := src.branches[opts.Branch]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("fake: branch %s not found in %s", opts.Branch, source)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newRepo([]string{commit})
	r.head = commit
	origin := opts.Origin
	if origin == "" {
		origin = "origin"
	}
	r.remotes[origin] = source
	f.repos[dest] = r
	return nil
}

func (f *Fake) ListRemotes(_ context.Context, dir string) (map[string]string, error) {
	done, err := f.record("list-remotes", dir)
	defer done()
	if err != nil {
		return nil, err
	}
	return f.Remotes(dir), nil
}

func (f *Fake) RemoteAdd(_ context.Context, dir, name, url string) error {
	done, err := f.record("remote-add", dir, name, url)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return err
	}
	if existing, ok := r.remotes[name]; ok {
		return &gitsrc.DuplicateRemoteError{Name: name, URL: existing}
	}
	r.remotes[name] = url
	return nil
}

func (f *Fake) RemoteSetURL(_ context.Context, dir, name, url string) error {
	done, err := f.record("remote-set-url", dir, name, url)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return err
	}
	if _, ok := r.remotes[name]; !ok {
		return fmt.Errorf("fake: no remote %s", name)
	}
	r.remotes[name] = url
	return nil
}

func (f *Fake) ListRemoteRefs(_ context.Context, dir, remote string) ([]gitsrc.RemoteRef, error) {
	done, err := f.record("ls-remote", dir, remote)
	defer done()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gitsrc.RemoteRef(nil), f.RemoteRefs[remote]...), nil
}

func (f *Fake) HasCommit(_ context.Context, dir, commit string) (bool, error) {
	done, err := f.record("has-commit", dir, commit)
	defer done()
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return false, err
	}
	return r.commits[commit], nil
}

func (f *Fake) Fetch(_ context.Context, dir, remote string, opts gitsrc.FetchOptions) error {
	args := []string{remote}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.Tags {
		args = append(args, "--tags")
	}
	if opts.AllBranches {
		args = append(args, "--all-branches")
	}
	done, err := f.record("fetch", dir, args...)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return err
	}
	if src, ok := f.repos[r.remotes[remote]]; ok {
		for c := range src.commits {
			r.commits[c] = true
		}
		return nil
	}
	for _, c := range f.Fetchable[remote] {
		r.commits[c] = true
	}
	return nil
}

func (f *Fake) Checkout(_ context.Context, dir, ref string, force bool) error {
	done, err := f.record("checkout", dir, ref, fmt.Sprint(force))
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return err
	}
	if !r.commits[ref] {
		return fmt.Errorf("fake: commit %s not present", ref)
	}
	r.head = ref
	return nil
}

func (f *Fake) Reset(_ context.Context, dir, ref string, hard bool) error {
	done, err := f.record("reset", dir, ref, fmt.Sprint(hard))
	defer done()
	return err
}

func (f *Fake) Clean(_ context.Context, dir string) error {
	done, err := f.record("clean", dir)
	defer done()
	return err
}

func (f *Fake) SubmoduleUpdate(_ context.Context, dir string, opts gitsrc.SubmoduleOptions) error {
	done, err := f.record("submodule-update", dir, fmt.Sprint(opts.Init), fmt.Sprint(opts.Recursive), fmt.Sprint(opts.Force))
	defer done()
	return err
}

func (f *Fake) CreateBranch(_ context.Context, dir, name, startPoint string) error {
	done, err := f.record("branch-create", dir, name, startPoint)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return err
	}
	r.branches[name] = startPoint
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, dir, name string) error {
	done, err := f.record("branch-delete", dir, name)
	defer done()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.repo(dir)
	if err != nil {
		return err
	}
	delete(r.branches, name)
	return nil
}

func (f *Fake) SetConfig(_ context.Context, dir, key, value string) error {
	done, err := f.record("config", dir, key, value)
	defer done()
	return err
}

var _ gitsrc.Git = (*Fake)(nil)
