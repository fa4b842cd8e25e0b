package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/moorlab/moor/internal/remote"
)

// SSH connects over the ssh protocol, installs the remote server when the
// target host is missing it or runs a different version, starts it, and
// dials gRPC through a direct-tcpip channel to the server's loopback port.
type SSH struct {
	// Version is the orchestrator's running version; a remote server
	// reporting anything else is replaced.
	Version *semver.Version
	// KnownHostsPath points at an OpenSSH known_hosts file; unknown keys
	// fall back to an interactive yes/no confirmation. Empty uses
	// ~/.ssh/known_hosts when present.
	KnownHostsPath string
	DialTimeout    time.Duration
	Logger         *slog.Logger
}

func (s *SSH) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// Connect implements Transport.
func (s *SSH) Connect(ctx context.Context, id string, target remote.Target, d Delegate) (*Conn, error) {
	client, err := s.dial(ctx, target, d)
	if err != nil {
		return nil, err
	}

	conn, err := s.bootstrap(ctx, id, target, d, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return conn, nil
}

func (s *SSH) bootstrap(ctx context.Context, id string, target remote.Target, d Delegate, client *ssh.Client) (*Conn, error) {
	d.SetStatus("detecting remote platform")
	unameOut, err := runRemote(client, "uname -s -m")
	if err != nil {
		return nil, &remote.TransportError{Err: fmt.Errorf("detect remote platform: %w", err)}
	}
	platform, err := parsePlatform(unameOut)
	if err != nil {
		return nil, &remote.TransportError{Err: err}
	}
	s.logger().Debug("remote platform detected", "platform", platform.String())

	remotePath := d.RemoteServerBinaryPath()
	if err := s.ensureServerBinary(ctx, d, client, platform, remotePath); err != nil {
		return nil, err
	}

	d.SetStatus("starting remote server")
	hello, stop, err := s.startServer(ctx, client, remotePath)
	if err != nil {
		return nil, &remote.TransportError{Err: err}
	}

	d.SetStatus("establishing control channel")
	grpcConn, err := s.dialGRPC(ctx, id, client, hello.Port)
	if err != nil {
		stop()
		return nil, &remote.TransportError{Err: err}
	}

	d.SetStatus("")
	return &Conn{
		Target:        target,
		ServerVersion: hello.version,
		GRPC:          grpcConn,
		sshClient:     client,
		stop:          stop,
	}, nil
}

// dial authenticates against the target. Password and keyboard-interactive
// prompts route through the delegate; ssh-agent keys are tried first when
// an agent is reachable.
func (s *SSH) dial(ctx context.Context, target remote.Target, d Delegate) (*ssh.Client, error) {
	connString := target.ConnectionString()
	d.SetStatus("connecting to " + connString)

	// The handshake reports callback errors opaquely; remember the
	// delegate's own verdict so a dismissed prompt surfaces as
	// ErrCredentialDeclined instead of a generic auth failure.
	var delegateErr error
	remember := func(err error) error {
		if err != nil && delegateErr == nil {
			delegateErr = err
		}
		return err
	}

	username := target.Username
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		}
	}
	methods = append(methods,
		ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			pw, err := d.AskPassword(ctx, fmt.Sprintf("%s@%s's password:", username, target.Host))
			return pw, remember(err)
		}), 3),
		ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i, q := range questions {
				a, err := d.AskPassword(ctx, q)
				if err != nil {
					return nil, remember(err)
				}
				answers[i] = a
			}
			return answers, nil
		}),
	)

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: s.hostKeyCallback(ctx, d, remember),
	}

	dialTimeout := s.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	netConn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, &remote.TransportError{Err: fmt.Errorf("dial %s: %w", target.Addr(), err)}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, target.Addr(), config)
	if err != nil {
		_ = netConn.Close()
		if delegateErr != nil {
			return nil, delegateErr
		}
		return nil, &remote.TransportError{Err: fmt.Errorf("ssh %s: %w", connString, err)}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// hostKeyCallback verifies against known_hosts when available and otherwise
// asks for a plaintext yes/no confirmation. Accepted keys are not persisted;
// the settings layer owns durable state.
func (s *SSH) hostKeyCallback(ctx context.Context, d Delegate, remember func(error) error) ssh.HostKeyCallback {
	var known ssh.HostKeyCallback
	knownPath := s.KnownHostsPath
	if knownPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			knownPath = path.Join(home, ".ssh", "known_hosts")
		}
	}
	if knownPath != "" {
		if cb, err := knownhosts.New(knownPath); err == nil {
			known = cb
		}
	}

	return func(hostname string, addr net.Addr, key ssh.PublicKey) error {
		if known != nil {
			if err := known(hostname, addr, key); err == nil {
				return nil
			}
		}
		answer, err := d.AskPassword(ctx, fmt.Sprintf(
			"The authenticity of host %s can't be established. %s key fingerprint is %s. Continue connecting (yes/no)?",
			hostname, key.Type(), ssh.FingerprintSHA256(key),
		))
		if err != nil {
			return remember(err)
		}
		if !isAffirmative(answer) {
			return remember(remote.ErrCredentialDeclined)
		}
		return nil
	}
}

func isAffirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return true
	default:
		return false
	}
}

// ensureServerBinary makes the agreed remote path hold a server matching
// the running version, provisioning and uploading one when it does not.
func (s *SSH) ensureServerBinary(ctx context.Context, d Delegate, client *ssh.Client, platform remote.Platform, remotePath string) error {
	if out, err := runRemote(client, shQuote(remotePath)+" version"); err == nil {
		if v, perr := semver.NewVersion(strings.TrimSpace(out)); perr == nil && s.Version != nil && v.Equal(s.Version) {
			s.logger().Debug("remote server is current", "version", v.String())
			return nil
		}
	}

	bin, err := d.ServerBinary(ctx, platform)
	if err != nil {
		// The delegate has already reported this to the surface.
		return err
	}

	d.SetStatus("uploading remote server binary")
	if err := s.uploadServerBinary(client, bin.Path, remotePath); err != nil {
		return &remote.TransportError{Err: fmt.Errorf("upload remote server binary: %w", err)}
	}
	return nil
}

// uploadServerBinary streams the local .gz artifact over an exec channel
// and unpacks it in place on the remote host.
func (s *SSH) uploadServerBinary(client *ssh.Client, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	dir := path.Dir(remotePath)
	if dir != "." && dir != "/" {
		if _, err := runRemote(client, "mkdir -p "+shQuote(dir)); err != nil {
			return err
		}
	}

	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	sess.Stdin = f
	gzPath := remotePath + ".gz"
	if out, err := sess.CombinedOutput("cat > " + shQuote(gzPath)); err != nil {
		_ = sess.Close()
		return fmt.Errorf("write %s: %w (%s)", gzPath, err, strings.TrimSpace(string(out)))
	}
	_ = sess.Close()

	for _, cmd := range []string{
		"gunzip -f " + shQuote(gzPath),
		"chmod 0755 " + shQuote(remotePath),
	} {
		if out, err := runRemote(client, cmd); err != nil {
			return fmt.Errorf("%s: %w (%s)", cmd, err, strings.TrimSpace(out))
		}
	}
	return nil
}

// serverHello is the first stdout line the remote server prints once its
// listener is up.
type serverHello struct {
	Port    int    `json:"port"`
	Version string `json:"version"`

	version *semver.Version
}

func parseHello(line string) (*serverHello, error) {
	var hello serverHello
	if err := json.Unmarshal([]byte(line), &hello); err != nil {
		return nil, fmt.Errorf("parse server hello %q: %w", strings.TrimSpace(line), err)
	}
	if hello.Port <= 0 {
		return nil, fmt.Errorf("server hello reports invalid port %d", hello.Port)
	}
	if v, err := semver.NewVersion(hello.Version); err == nil {
		hello.version = v
	}
	return &hello, nil
}

// startServer launches the remote server and waits for its hello line. The
// returned stop function tears the process channel down.
func (s *SSH) startServer(ctx context.Context, client *ssh.Client, remotePath string) (*serverHello, func(), error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, nil, err
	}
	sess.Stderr = os.Stderr

	if err := sess.Start(shQuote(remotePath) + " --listen 127.0.0.1:0"); err != nil {
		_ = sess.Close()
		return nil, nil, fmt.Errorf("start remote server: %w", err)
	}

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(stdout).ReadString('\n')
		if err != nil {
			errCh <- fmt.Errorf("remote server exited before reporting its port: %w", err)
			return
		}
		lineCh <- line
	}()

	stop := func() {
		_ = sess.Signal(ssh.SIGTERM)
		_ = sess.Close()
	}

	select {
	case <-ctx.Done():
		stop()
		return nil, nil, ctx.Err()
	case err := <-errCh:
		stop()
		return nil, nil, err
	case line := <-lineCh:
		hello, err := parseHello(line)
		if err != nil {
			stop()
			return nil, nil, err
		}
		go func() { _, _ = io.Copy(io.Discard, stdout) }()
		return hello, stop, nil
	}
}

func (s *SSH) dialGRPC(ctx context.Context, id string, client *ssh.Client, port int) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return client.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(
		dctx,
		"moor-remote-"+id,
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    5 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial remote server: %w", err)
	}

	hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
	defer hcancel()
	if _, err := healthpb.NewHealthClient(conn).Check(hctx, &healthpb.HealthCheckRequest{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote server health check: %w", err)
	}
	return conn, nil
}

// parsePlatform normalizes `uname -s -m` output to GOOS/GOARCH names.
func parsePlatform(out string) (remote.Platform, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return remote.Platform{}, fmt.Errorf("unexpected uname output %q", strings.TrimSpace(out))
	}

	var osName string
	switch strings.ToLower(fields[0]) {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "darwin"
	default:
		return remote.Platform{}, fmt.Errorf("unsupported remote os %q", fields[0])
	}

	var arch string
	switch fields[1] {
	case "x86_64", "amd64":
		arch = "amd64"
	case "aarch64", "arm64":
		arch = "arm64"
	default:
		return remote.Platform{}, fmt.Errorf("unsupported remote arch %q", fields[1])
	}
	return remote.Platform{OS: osName, Arch: arch}, nil
}

func runRemote(client *ssh.Client, cmd string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		return string(out), fmt.Errorf("remote command %q: %w", cmd, err)
	}
	return string(out), nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
