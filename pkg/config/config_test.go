package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
)

func TestLoadBuilderDefaults(t *testing.T) {
	testChdir(t, t.TempDir())

	cfg, err := LoadBuilder("")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "./waf"}, cfg.BuildToolArgs())
	assert.Equal(t, 3*time.Second, cfg.ProgressInterval)
	assert.Equal(t, 2*time.Hour, cfg.BuildTimeout)
	assert.Equal(t, []buildmgr.RemoteInfo{{Name: "ardupilot", URL: DefaultUpstream}}, cfg.Remotes)
	assert.Equal(t, 22, cfg.SFTP.Port)
	assert.False(t, cfg.SFTP.Enabled())
}

func TestLoadBuilderEnvOverrides(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("FWBUILD_WORKDIR", "/srv/fwbuild/work")
	t.Setenv("FWBUILD_BUILD_TIMEOUT", "45m")
	t.Setenv("FWBUILD_REMOTES", "ardupilot=https://github.com/ArduPilot/ardupilot.git, fork=https://example.com/fork.git")
	t.Setenv("FWBUILD_SFTP_HOST", "files.example.com")

	cfg, err := LoadBuilder("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/fwbuild/work", cfg.Workdir)
	assert.Equal(t, 45*time.Minute, cfg.BuildTimeout)
	require.Len(t, cfg.Remotes, 2)
	assert.Equal(t, "fork", cfg.Remotes[1].Name)
	assert.Equal(t, "files.example.com", cfg.SFTP.Host)
}

func TestLoadBuilderFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fwbuild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workdir: /var/lib/fwbuild/work
build_tool: ./waf
progress_interval: 5s
remotes:
  - name: ardupilot
    url: https://github.com/ArduPilot/ardupilot.git
  - name: local
    url: /srv/git/ardupilot
sftp:
  host: files.example.com
  remote_dir: /pub/firmware
`), 0o644))

	cfg, err := LoadBuilder(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fwbuild/work", cfg.Workdir)
	assert.Equal(t, []string{"./waf"}, cfg.BuildToolArgs())
	assert.Equal(t, 5*time.Second, cfg.ProgressInterval)
	require.Len(t, cfg.Remotes, 2)
	assert.Equal(t, "/srv/git/ardupilot", cfg.Remotes[1].URL)
	assert.Equal(t, "/pub/firmware", cfg.SFTP.RemoteDir)
}

func TestLoadBuilderRejectsBadRemotes(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("FWBUILD_REMOTES", "just-a-name")
	_, err := LoadBuilder("")
	require.Error(t, err)
}

func TestLoadBuilderMissingExplicitFile(t *testing.T) {
	_, err := LoadBuilder(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

// testChdir mirrors testing.T.Chdir (Go 1.24): it changes the working
// directory for the duration of the test and restores it afterwards.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
