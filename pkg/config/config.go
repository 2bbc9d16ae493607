package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/publish"
)

// DefaultUpstream is the project the mirror is cloned from.
const DefaultUpstream = "https://github.com/ArduPilot/ardupilot.git"

// BuilderConfig captures runtime settings for the build worker.
type BuilderConfig struct {
	Workdir      string `mapstructure:"workdir"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	MirrorPath   string `mapstructure:"mirror_path"`
	UpstreamURL  string `mapstructure:"upstream_url"`

	// Remotes is the whitelist. Decoded by hand because env values use the
	// "name=url,name=url" form.
	Remotes []buildmgr.RemoteInfo `mapstructure:"-"`

	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`

	BuildTool    string        `mapstructure:"build_tool"`
	ToolchainDir string        `mapstructure:"toolchain_dir"`
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
	GitTimeout   time.Duration `mapstructure:"git_timeout"`

	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	Retention        time.Duration `mapstructure:"retention"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`

	OpsAddr   string `mapstructure:"ops_addr"`
	OpsToken  string `mapstructure:"ops_token"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Trace     bool   `mapstructure:"trace"`

	SFTP publish.Config `mapstructure:"sftp"`
}

// BuildToolArgs splits BuildTool into the command prefix.
func (c BuilderConfig) BuildToolArgs() []string {
	return strings.Fields(c.BuildTool)
}

// LoadBuilder loads worker configuration from defaults, an optional file and
// FWBUILD_* env vars. An empty configFile searches ./configs/fwbuild.yaml.
func LoadBuilder(configFile string) (BuilderConfig, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("fwbuild")
		v.AddConfigPath("./configs")
	}
	v.SetEnvPrefix("FWBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("workdir", "./data/workdir")
	v.SetDefault("artifacts_dir", "./data/artifacts")
	v.SetDefault("mirror_path", "./data/ardupilot")
	v.SetDefault("upstream_url", DefaultUpstream)
	v.SetDefault("remotes", "ardupilot="+DefaultUpstream)
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("build_tool", "python3 ./waf")
	v.SetDefault("toolchain_dir", "")
	v.SetDefault("build_timeout", 2*time.Hour)
	v.SetDefault("git_timeout", 15*time.Minute)
	v.SetDefault("progress_interval", 3*time.Second)
	v.SetDefault("retention", 7*24*time.Hour)
	v.SetDefault("cleanup_interval", time.Hour)
	v.SetDefault("ops_addr", ":9102")
	v.SetDefault("ops_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("trace", false)
	v.SetDefault("sftp.host", "")
	v.SetDefault("sftp.port", 22)
	v.SetDefault("sftp.user", "")
	v.SetDefault("sftp.password", "")
	v.SetDefault("sftp.key_path", "")
	v.SetDefault("sftp.known_hosts", "")
	v.SetDefault("sftp.remote_dir", "firmware")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return BuilderConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	remotes, err := decodeRemotes(v.Get("remotes"))
	if err != nil {
		return BuilderConfig{}, err
	}
	cfg.Remotes = remotes

	if err := cfg.Validate(); err != nil {
		return BuilderConfig{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c BuilderConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workdir) == "" {
		errs = append(errs, errors.New("workdir is required"))
	}
	if strings.TrimSpace(c.ArtifactsDir) == "" {
		errs = append(errs, errors.New("artifacts_dir is required"))
	}
	if strings.TrimSpace(c.MirrorPath) == "" {
		errs = append(errs, errors.New("mirror_path is required"))
	}
	if len(c.BuildToolArgs()) == 0 {
		errs = append(errs, errors.New("build_tool is required"))
	}
	if len(c.Remotes) == 0 {
		errs = append(errs, errors.New("at least one remote is required"))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, errors.New("progress_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func decodeRemotes(raw any) ([]buildmgr.RemoteInfo, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var out []buildmgr.RemoteInfo
		for _, part := range strings.Split(val, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, url, ok := strings.Cut(part, "=")
			if !ok || name == "" || url == "" {
				return nil, fmt.Errorf("remotes: expected name=url, got %q", part)
			}
			out = append(out, buildmgr.RemoteInfo{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
		}
		return out, nil
	case []any:
		out := make([]buildmgr.RemoteInfo, 0, len(val))
		for i, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("remotes[%d]: expected a mapping", i)
			}
			name, _ := m["name"].(string)
			url, _ := m["url"].(string)
			if name == "" || url == "" {
				return nil, fmt.Errorf("remotes[%d]: name and url are required", i)
			}
			out = append(out, buildmgr.RemoteInfo{Name: name, URL: url})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("remotes: unsupported value of type %T", raw)
	}
}
