package gitsrc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vyvo/fwbuild/pkg/logging"
)

const commitIDLength = 40

const (
	refKindHeads = "heads"
	refKindTags  = "tags"
)

// IsCommitID reports whether s is a full lowercase hex commit id.
func IsCommitID(s string) bool {
	if len(s) != commitIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// parseRef splits a symbolic ref into its kind and short name. A bare name
// has an empty kind and may match either a branch or a tag.
func parseRef(ref string) (kind, name string, err error) {
	if !strings.HasPrefix(ref, "refs/") {
		if ref == "" {
			return "", "", fmt.Errorf("%w: empty ref", ErrRefNotFound)
		}
		return "", ref, nil
	}
	parts := strings.SplitN(ref, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
	switch parts[1] {
	case refKindHeads, refKindTags:
		return parts[1], parts[2], nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
}

// matchRef finds the commit a ref name points at in a remote listing. Only
// branch and tag refs are considered; for tags the peeled commit wins over
// the tag object, and a bare name prefers a branch over a tag.
func matchRef(refs []RemoteRef, kind, name string) (string, bool) {
	var head, tag, peeled string
	for _, r := range refs {
		rk, rn, ok := splitRemoteRef(r.Name)
		if !ok {
			continue
		}
		if kind != "" && rk != kind {
			continue
		}
		isPeeled := strings.HasSuffix(rn, "^{}")
		rn = strings.TrimSuffix(rn, "^{}")
		if rn != name {
			continue
		}
		switch {
		case rk == refKindHeads && head == "":
			head = r.Hash
		case rk == refKindTags && isPeeled:
			peeled = r.Hash
		case rk == refKindTags && tag == "":
			tag = r.Hash
		}
	}
	for _, h := range []string{head, peeled, tag} {
		if h != "" {
			return h, true
		}
	}
	return "", false
}

func splitRemoteRef(name string) (kind, short string, ok bool) {
	parts := strings.SplitN(name, "/", 3)
	if len(parts) != 3 || parts[0] != "refs" {
		return "", "", false
	}
	if parts[1] != refKindHeads && parts[1] != refKindTags {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func resolveCommit(ctx context.Context, g Git, dir, remote, ref string) (string, error) {
	if IsCommitID(ref) {
		return ref, nil
	}
	kind, name, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	refs, err := g.ListRemoteRefs(ctx, dir, remote)
	if err != nil {
		return "", fmt.Errorf("list refs of %s: %w", remote, err)
	}
	commit, ok := matchRef(refs, kind, name)
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrRefNotFound, ref, remote)
	}
	return commit, nil
}

// ensureCommitPresent fetches tags and all branches once when commit is
// missing locally. There is no further retry.
func ensureCommitPresent(ctx context.Context, g Git, logger *slog.Logger, dir, remote, commit string) error {
	ok, err := g.HasCommit(ctx, dir, commit)
	if err != nil {
		return fmt.Errorf("check commit %s: %w", commit, err)
	}
	if ok {
		return nil
	}

	logger.Info("commit missing locally, fetching", logging.Remote(remote), logging.Commit(commit), logging.Path(dir))
	fetchErr := g.Fetch(ctx, dir, remote, FetchOptions{Force: true, Tags: true, AllBranches: true})
	if fetchErr != nil {
		logger.Warn("fetch failed", logging.Remote(remote), logging.Error(fetchErr))
	}

	ok, err = g.HasCommit(ctx, dir, commit)
	if err != nil {
		return fmt.Errorf("check commit %s: %w", commit, err)
	}
	if !ok {
		if fetchErr != nil {
			return fmt.Errorf("%w: %s on %s (fetch: %v)", ErrCommitNotFound, commit, remote, fetchErr)
		}
		return fmt.Errorf("%w: %s on %s", ErrCommitNotFound, commit, remote)
	}
	return nil
}
