package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/crossgate/crossgate/pkg/engine"
)

// Runner executes one command on the target system and returns its output.
type Runner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
}

// SSHConfig holds the connection settings of the command target.
type SSHConfig struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port, 22 when zero.
	Port int

	// User is the SSH username.
	User string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// Password enables password authentication when no key is configured.
	Password string

	// KnownHostsPath verifies the host key; empty disables verification.
	KnownHostsPath string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout bounds a single command.
	CommandTimeout time.Duration
}

// sshRunner runs commands over a lazily established SSH connection. A dead
// connection is dropped and redialed on the next command.
type sshRunner struct {
	config SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates a runner for the target. The connection is
// established on first use.
func NewSSHRunner(cfg SSHConfig) (Runner, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, engine.NewConfigurationError("ssh runner requires host and user", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	return &sshRunner{config: cfg}, nil
}

// Run executes one command in a fresh session.
func (r *sshRunner) Run(ctx context.Context, command string) (string, string, error) {
	client, err := r.getClient(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection likely died underneath us; drop it so the next
		// command redials.
		r.dropClient(client)
		return "", "", engine.NewTransientError("failed to open ssh session", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timeout := time.NewTimer(r.config.CommandTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdoutBuf.String(), stderrBuf.String(),
			engine.NewTransientError("command cancelled", ctx.Err())
	case <-timeout.C:
		_ = session.Signal(ssh.SIGKILL)
		return stdoutBuf.String(), stderrBuf.String(),
			engine.NewTransientError("command timed out", nil).WithCode(engine.ErrCodeTimeout)
	case err := <-done:
		if err != nil {
			if _, ok := err.(*ssh.ExitError); ok {
				return stdoutBuf.String(), stderrBuf.String(),
					engine.NewBackendError("command exited with failure", err).
						WithCode(engine.ErrCodeBackendFailed)
			}
			r.dropClient(client)
			return stdoutBuf.String(), stderrBuf.String(),
				engine.NewTransientError("command transport failed", err)
		}
		return stdoutBuf.String(), stderrBuf.String(), nil
	}
}

// getClient returns the live connection, dialing if needed.
func (r *sshRunner) getClient(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	clientConfig, err := r.buildClientConfig()
	if err != nil {
		return nil, err
	}

	address := fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		resultCh <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, engine.NewTransientError("ssh dial cancelled", ctx.Err())
	case result := <-resultCh:
		if result.err != nil {
			return nil, engine.NewTransientError(
				fmt.Sprintf("failed to dial %s", address), result.err)
		}
		r.client = result.client
		return r.client, nil
	}
}

// dropClient discards a connection believed dead.
func (r *sshRunner) dropClient(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		_ = r.client.Close()
		r.client = nil
	}
}

func (r *sshRunner) buildClientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if r.config.PrivateKeyPath != "" {
		key, err := os.ReadFile(r.config.PrivateKeyPath)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to read ssh private key", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to parse ssh private key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if r.config.Password != "" {
		methods = append(methods, ssh.Password(r.config.Password))
	}
	if len(methods) == 0 {
		return nil, engine.NewConfigurationError("ssh runner has no authentication method", nil).
			WithCode(engine.ErrCodeValidation)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- opt-in via empty known_hosts
	if r.config.KnownHostsPath != "" {
		callback, err := knownhosts.New(r.config.KnownHostsPath)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to load known_hosts", err)
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            r.config.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.config.ConnectTimeout,
	}, nil
}
