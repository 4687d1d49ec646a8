package hostconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/moorline/fleetgate/internal/errs"
	"github.com/moorline/fleetgate/internal/models"
)

const shellOutputBuffer = 256

// SSHDialer dials hosts over SSH using golang.org/x/crypto/ssh.
type SSHDialer struct {
	// Timeout bounds the TCP dial and SSH handshake.
	Timeout time.Duration
}

func NewSSHDialer(timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSHDialer{Timeout: timeout}
}

func (d *SSHDialer) Dial(ctx context.Context, cred models.HostCredential) (Transport, error) {
	auth, err := authMethod(cred)
	if err != nil {
		return nil, &errs.AuthError{Host: cred.Addr(), Err: err}
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", cred.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cred.Addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cred.Addr(), config)
	if err != nil {
		netConn.Close()
		if isAuthRejected(err) {
			return nil, &errs.AuthError{Host: cred.Addr(), Err: err}
		}
		return nil, fmt.Errorf("handshake with %s: %w", cred.Addr(), err)
	}

	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func authMethod(cred models.HostCredential) (ssh.AuthMethod, error) {
	switch cred.Method {
	case models.AuthPassword:
		return ssh.Password(cred.Secret), nil
	case models.AuthPrivateKey:
		signer, err := ssh.ParsePrivateKey([]byte(cred.Secret))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return nil, fmt.Errorf("unknown auth method %q", cred.Method)
}

// isAuthRejected distinguishes a credential rejection from a transport
// failure during the handshake. x/crypto/ssh reports both through the
// handshake error, so the message is the only signal available.
func isAuthRejected(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) NewExec() (ExecChannel, error) {
	// Opening is deferred to Run: one ssh.Session carries exactly one
	// command, so the exec channel maps to a sequence of sessions on
	// this client.
	return &sshExecChannel{client: t.client}, nil
}

func (t *sshTransport) NewShell(cols, rows int) (ShellChannel, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &sshShellChannel{
		sess:  sess,
		stdin: stdin,
		out:   make(chan []byte, shellOutputBuffer),
		done:  make(chan struct{}),
	}
	sh.wg.Add(2)
	go sh.pump(stdout)
	go sh.pump(stderr)
	go func() {
		sh.wg.Wait()
		close(sh.out)
	}()
	return sh, nil
}

func (t *sshTransport) NewFile() (FileChannel, error) {
	client, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	return &sshFileChannel{client: client}, nil
}

func (t *sshTransport) Alive() bool {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}

type sshExecChannel struct {
	client *ssh.Client
}

func (c *sshExecChannel) Run(ctx context.Context, command string) (models.CommandResult, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("open command channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return models.CommandResult{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Close()
		return models.CommandResult{}, ctx.Err()
	case err = <-done:
	}

	res := models.CommandResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		LatencyMs:  time.Since(start).Milliseconds(),
		ExecutedAt: start,
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("wait for command: %w", err)
	}
	return res, nil
}

func (c *sshExecChannel) Close() error { return nil }

type sshShellChannel struct {
	sess     *ssh.Session
	stdin    io.WriteCloser
	out      chan []byte
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func (c *sshShellChannel) pump(r io.Reader) {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// The consumer may have stopped draining before Close; the
			// send must not outlive the channel.
			select {
			case c.out <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *sshShellChannel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *sshShellChannel) Output() <-chan []byte { return c.out }

func (c *sshShellChannel) Resize(cols, rows int) error {
	return c.sess.WindowChange(rows, cols)
}

func (c *sshShellChannel) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	c.stdin.Close()
	return c.sess.Close()
}

type sshFileChannel struct {
	client *sftp.Client
}

func (c *sshFileChannel) Open(path string) (io.ReadCloser, error) {
	return c.client.Open(path)
}

func (c *sshFileChannel) Create(path string) (io.WriteCloser, error) {
	return c.client.Create(path)
}

func (c *sshFileChannel) Stat(path string) (os.FileInfo, error) {
	return c.client.Stat(path)
}

func (c *sshFileChannel) ReadDir(path string) ([]os.FileInfo, error) {
	return c.client.ReadDir(path)
}

func (c *sshFileChannel) Mkdir(path string, mode os.FileMode) error {
	if err := c.client.Mkdir(path); err != nil {
		return err
	}
	return c.client.Chmod(path, mode)
}

func (c *sshFileChannel) Remove(path string) error {
	return c.client.Remove(path)
}

func (c *sshFileChannel) RemoveDirectory(path string) error {
	return c.client.RemoveDirectory(path)
}

func (c *sshFileChannel) Close() error {
	return c.client.Close()
}
