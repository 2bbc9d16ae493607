// Package remotes holds the whitelist of upstream git remotes builds may use.
package remotes

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"sync"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
)

// ErrNotAllowed is returned for a remote that is not whitelisted, or whose
// URL differs from the whitelisted one.
var ErrNotAllowed = errors.New("remote not whitelisted")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Registry offers a threadsafe in-memory whitelist populated from
// configuration.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]buildmgr.RemoteInfo
}

// New returns a registry holding remotes.
func New(remotes ...buildmgr.RemoteInfo) (*Registry, error) {
	r := &Registry{entries: map[string]buildmgr.RemoteInfo{}}
	for _, rem := range remotes {
		if err := r.Set(rem); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Set stores or updates a whitelisted remote.
func (r *Registry) Set(remote buildmgr.RemoteInfo) error {
	if !namePattern.MatchString(remote.Name) {
		return fmt.Errorf("invalid remote name %q", remote.Name)
	}
	if remote.URL == "" {
		return fmt.Errorf("remote %s: empty url", remote.Name)
	}
	if u, err := url.Parse(remote.URL); err != nil || (u.Scheme == "" && u.Path == "") {
		return fmt.Errorf("remote %s: invalid url %q", remote.Name, remote.URL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[remote.Name] = remote
	return nil
}

// Get retrieves a remote by name and a boolean indicating its presence.
func (r *Registry) Get(name string) (buildmgr.RemoteInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rem, ok := r.entries[name]
	return rem, ok
}

// Check returns nil when remote is whitelisted with exactly this URL.
func (r *Registry) Check(remote buildmgr.RemoteInfo) error {
	allowed, ok := r.Get(remote.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAllowed, remote.Name)
	}
	if allowed.URL != remote.URL {
		return fmt.Errorf("%w: %s url %s", ErrNotAllowed, remote.Name, remote.URL)
	}
	return nil
}

// List returns every whitelisted remote sorted by name.
func (r *Registry) List() []buildmgr.RemoteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]buildmgr.RemoteInfo, 0, len(r.entries))
	for _, rem := range r.entries {
		out = append(out, rem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
