package stores

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ArchiveConfig configures the remote contract archive.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	User    string `json:"user" yaml:"user"`

	// PrivateKeyPath is the SSH private key used to authenticate.
	PrivateKeyPath string `json:"private_key_path" yaml:"private_key_path"`

	// KnownHostsPath enables strict host key checking when set.
	KnownHostsPath string `json:"known_hosts_path" yaml:"known_hosts_path"`

	// RemoteDir is the directory contracts are written under.
	RemoteDir string `json:"remote_dir" yaml:"remote_dir"`

	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// Archiver copies finalized contracts to a remote host over SFTP, giving the
// audit trail a home outside the machine that produced it.
type Archiver struct {
	cfg    ArchiveConfig
	logger zerolog.Logger
}

// NewArchiver creates an archiver.
func NewArchiver(cfg ArchiveConfig, logger zerolog.Logger) *Archiver {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Archiver{
		cfg:    cfg,
		logger: logger.With().Str("component", "archiver").Logger(),
	}
}

// clientConfig builds the SSH client configuration.
func (a *Archiver) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(a.cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if a.cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(a.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            a.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         a.cfg.ConnectTimeout,
	}, nil
}

// Archive uploads one contract payload as
// <remote_dir>/<graph_id>/<contract_id>.json.
func (a *Archiver) Archive(contractID, graphID string, payload []byte) error {
	clientConfig, err := a.clientConfig()
	if err != nil {
		return err
	}

	address := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	sshClient, err := ssh.Dial("tcp", address, clientConfig)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	dir := path.Join(a.cfg.RemoteDir, graphID)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
	}

	remotePath := path.Join(dir, contractID+".json")
	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer remote.Close()

	if _, err := remote.Write(payload); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}

	a.logger.Info().
		Str("contract_id", contractID).
		Str("remote", remotePath).
		Int("bytes", len(payload)).
		Msg("contract archived")
	return nil
}
