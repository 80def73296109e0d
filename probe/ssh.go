package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

// SSHConfig configures SSHProber.
type SSHConfig struct {
	User               string
	KeyPath            string
	KnownHostsPath     string
	Port               int
	Timeout            time.Duration
	InsecureSkipVerify bool
	Parallelism        int
}

// hostAnswer is what one host said to a probe command.
type hostAnswer struct {
	Status int
	Output string
}

// state reads the host's answer. Only a clean exit carrying one of the catalog
// markers is conclusive.
func (a hostAnswer) state() State {
	if a.Status != 0 {
		return Unknown
	}
	var found State
	for _, line := range strings.Split(a.Output, "\n") {
		var s State
		switch strings.TrimSpace(line) {
		case catalog.ProbePresentMarker:
			s = Present
		case catalog.ProbeAbsentMarker:
			s = Absent
		default:
			continue
		}
		if found != Unknown && found != s {
			return Unknown
		}
		found = s
	}
	return found
}

// hostExec runs command on one host. A non-nil error means the host could not
// be asked at all.
type hostExec func(ctx context.Context, host catalog.Host, command string) (hostAnswer, error)

// SSHProber checks hosts by running the probe command over SSH.
type SSHProber struct {
	cfg  SSHConfig
	exec hostExec
}

func NewSSHProber(cfg SSHConfig) (*SSHProber, error) {
	if cfg.User == "" {
		return nil, errors.New("probe: ssh user is required")
	}
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("probe: read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("probe: parse private key: %w", err)
	}
	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	p := newSSHProber(cfg, nil)
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.cfg.Timeout,
	}
	p.exec = func(ctx context.Context, host catalog.Host, command string) (hostAnswer, error) {
		return runSSH(ctx, clientConfig, p.cfg.Port, host, command)
	}
	return p, nil
}

func newSSHProber(cfg SSHConfig, exec hostExec) *SSHProber {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &SSHProber{cfg: cfg, exec: exec}
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureSkipVerify {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("probe: resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("probe: load known_hosts: %w", err)
	}
	return callback, nil
}

var _ Prober = (*SSHProber)(nil)

func (p *SSHProber) Check(ctx context.Context, hosts []catalog.Host, command string) (State, error) {
	if command == "" || len(hosts) == 0 {
		return Unknown, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	states := make([]State, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallelism)
	for i, host := range hosts {
		g.Go(func() error {
			answer, err := p.exec(gctx, host, command)
			if err != nil {
				return fmt.Errorf("probe %s: %w", host.Name, err)
			}
			states[i] = answer.state()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Unknown, err
	}

	// Every host must give the same conclusive answer.
	for _, s := range states[1:] {
		if s != states[0] {
			return Unknown, nil
		}
	}
	return states[0], nil
}

// maxProbeOutput bounds how much of a probe's stdout is kept.
const maxProbeOutput = 4096

func runSSH(ctx context.Context, config *ssh.ClientConfig, port int, host catalog.Host, command string) (hostAnswer, error) {
	addr := net.JoinHostPort(host.Address, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return hostAnswer{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return hostAnswer{}, fmt.Errorf("handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return hostAnswer{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &limitedBuffer{buf: &stdout, max: maxProbeOutput}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return hostAnswer{}, ctx.Err()
	case err := <-done:
		if err == nil {
			return hostAnswer{Output: stdout.String()}, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return hostAnswer{Status: exitErr.ExitStatus(), Output: stdout.String()}, nil
		}
		return hostAnswer{}, err
	}
}

// limitedBuffer drops output past max instead of failing the session.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
