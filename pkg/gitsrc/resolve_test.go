package gitsrc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCommitID(t *testing.T) {
	assert.True(t, IsCommitID("0123456789abcdef0123456789abcdef01234567"))
	assert.False(t, IsCommitID("0123456789ABCDEF0123456789abcdef01234567"))
	assert.False(t, IsCommitID("0123456789abcdef"))
	assert.False(t, IsCommitID("refs/heads/master"))
	assert.False(t, IsCommitID("g123456789abcdef0123456789abcdef01234567"))
}

func TestParseRef(t *testing.T) {
	kind, name, err := parseRef("refs/tags/Copter-4.5.1")
	require.NoError(t, err)
	assert.Equal(t, "tags", kind)
	assert.Equal(t, "Copter-4.5.1", name)

	kind, name, err = parseRef("refs/heads/feature/x")
	require.NoError(t, err)
	assert.Equal(t, "heads", kind)
	assert.Equal(t, "feature/x", name)

	kind, name, err = parseRef("master")
	require.NoError(t, err)
	assert.Empty(t, kind)
	assert.Equal(t, "master", name)

	_, _, err = parseRef("refs/pull/12/head")
	require.ErrorIs(t, err, ErrUnsupportedRef)
	require.ErrorIs(t, err, ErrRefResolution)

	_, _, err = parseRef("refs/tags/")
	require.ErrorIs(t, err, ErrUnsupportedRef)
}

func TestMatchRef(t *testing.T) {
	refs := parseLsRemote("" +
		"1111111111111111111111111111111111111111\tHEAD\n" +
		"2222222222222222222222222222222222222222\trefs/heads/master\n" +
		"3333333333333333333333333333333333333333\trefs/heads/v1\n" +
		"4444444444444444444444444444444444444444\trefs/pull/7/head\n" +
		"5555555555555555555555555555555555555555\trefs/tags/v1\n" +
		"6666666666666666666666666666666666666666\trefs/tags/v1^{}\n" +
		"7777777777777777777777777777777777777777\trefs/tags/light\n")

	h, ok := matchRef(refs, "heads", "master")
	require.True(t, ok)
	assert.Equal(t, "2222222222222222222222222222222222222222", h)

	h, ok = matchRef(refs, "tags", "v1")
	require.True(t, ok)
	assert.Equal(t, "6666666666666666666666666666666666666666", h, "peeled tag wins")

	h, ok = matchRef(refs, "", "v1")
	require.True(t, ok)
	assert.Equal(t, "3333333333333333333333333333333333333333", h, "bare name prefers branch")

	h, ok = matchRef(refs, "", "light")
	require.True(t, ok)
	assert.Equal(t, "7777777777777777777777777777777777777777", h)

	_, ok = matchRef(refs, "", "7")
	assert.False(t, ok, "pull refs are never matched")

	_, ok = matchRef(refs, "tags", "master")
	assert.False(t, ok)
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Args: []string{"fetch", "origin"}, Stderr: "fatal: nope\n", Err: errors.New("exit status 128")}
	assert.Equal(t, "git fetch origin: exit status 128: fatal: nope", err.Error())
}
