// Package publish copies finished firmware archives to a remote host.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vyvo/fwbuild/pkg/logging"
)

// Config describes the SFTP destination.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	KeyPath    string `mapstructure:"key_path"`
	KnownHosts string `mapstructure:"known_hosts"`
	RemoteDir  string `mapstructure:"remote_dir"`
}

// Enabled reports whether a destination host is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Host) != "" }

// SFTPPublisher uploads archives to <remote_dir>/<build_id>/<archive>.
type SFTPPublisher struct {
	cfg    Config
	logger *slog.Logger
}

// NewSFTPPublisher returns a publisher for cfg.
func NewSFTPPublisher(cfg Config, logger *slog.Logger) (*SFTPPublisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sftp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "."
	}
	return &SFTPPublisher{cfg: cfg, logger: logging.OrDefault(logger)}, nil
}

// Publish uploads archivePath for buildID.
func (p *SFTPPublisher) Publish(ctx context.Context, buildID, archivePath string) error {
	client, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp session: %w", err)
	}
	defer sftpClient.Close()

	remote := path.Join(p.cfg.RemoteDir, buildID, filepath.Base(archivePath))
	if err := pushFile(sftpClient, archivePath, remote); err != nil {
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	p.logger.Info("archive published", logging.BuildID(buildID), slog.String("host", p.cfg.Host), logging.Path(remote))
	return nil
}

func (p *SFTPPublisher) dial(ctx context.Context) (*ssh.Client, error) {
	auth, err := p.buildAuthMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := p.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (p *SFTPPublisher) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if p.cfg.KnownHosts == "" {
		p.logger.Warn("sftp host key not verified, set sftp.known_hosts", slog.String("host", p.cfg.Host))
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(p.cfg.KnownHosts))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func (p *SFTPPublisher) buildAuthMethods() ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if keyPath := strings.TrimSpace(p.cfg.KeyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(p.cfg.Password); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// pushFile streams localPath to remotePath through a temporary name so a
// reader never sees a partial archive.
func pushFile(client *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}

	tmp := remotePath + ".part"
	dst, err := client.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = client.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	_ = client.Remove(remotePath)
	return client.Rename(tmp, remotePath)
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	if keyPath := strings.TrimSpace(os.Getenv("FWBUILD_SFTP_DEFAULT_KEY")); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
