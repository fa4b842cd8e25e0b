// Package transport turns an authenticated target into a live channel to a
// running moor-remote-server. The SSH implementation asks its Delegate for
// credentials and binaries as it needs them; the delegate decides how those
// are produced.
package transport

import (
	"context"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"

	"github.com/moorlab/moor/internal/remote"
)

// Delegate is the capability object the transport calls back into during a
// bootstrap attempt.
type Delegate interface {
	// AskPassword resolves a credential prompt: immediately when a secret
	// is already known, otherwise by asking a human. Returns
	// remote.ErrCredentialDeclined when the prompt is dismissed.
	AskPassword(ctx context.Context, prompt string) (string, error)
	// ServerBinary resolves a compressed server artifact compatible with
	// the platform.
	ServerBinary(ctx context.Context, platform remote.Platform) (remote.ServerBinary, error)
	// RemoteServerBinaryPath is the agreed location of the server on the
	// target host, relative to the remote home directory. Pure and
	// deterministic.
	RemoteServerBinaryPath() string
	// SetStatus and SetError report progress and terminal failures for
	// display. Neither affects control flow.
	SetStatus(status string)
	SetError(message string)
}

// Transport opens connections. The orchestrator depends on this interface
// so tests can substitute the SSH implementation.
type Transport interface {
	Connect(ctx context.Context, id string, target remote.Target, delegate Delegate) (*Conn, error)
}

// Conn is a ready connection: the SSH client it rides on and the gRPC
// channel to the remote server.
type Conn struct {
	Target        remote.Target
	ServerVersion *semver.Version
	GRPC          *grpc.ClientConn

	sshClient *ssh.Client
	stop      func()
}

// Close tears down the gRPC channel, the server process channel, and the
// SSH connection, in that order.
func (c *Conn) Close() error {
	if c.GRPC != nil {
		_ = c.GRPC.Close()
	}
	if c.stop != nil {
		c.stop()
	}
	if c.sshClient != nil {
		return c.sshClient.Close()
	}
	return nil
}
