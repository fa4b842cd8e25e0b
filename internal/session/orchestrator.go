package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/moorlab/moor/internal/prompt"
	"github.com/moorlab/moor/internal/provision"
	"github.com/moorlab/moor/internal/remote"
	"github.com/moorlab/moor/internal/transport"
)

// Config wires the collaborators of one or more bootstrap attempts. All
// state is explicit; nothing is read from globals.
type Config struct {
	Surface     prompt.Surface
	Transport   transport.Transport
	Provisioner *provision.Provisioner
	Channel     remote.Channel
	Logger      *slog.Logger
}

// Orchestrator opens ready connections to remote targets.
type Orchestrator struct {
	cfg Config
}

// New validates the config.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Surface == nil {
		return nil, fmt.Errorf("session: surface is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("session: provisioner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Open runs one bootstrap attempt against the target and returns the ready
// connection. On failure the surface's error reporter receives the failure
// message and the same failure is returned to the caller; it is never
// swallowed and never reported twice to either side.
func (o *Orchestrator) Open(ctx context.Context, target remote.Target) (*transport.Conn, error) {
	id := uuid.NewString()
	o.cfg.Logger.Info("opening remote session",
		"attempt", id, "target", target.ConnectionString(), "channel", o.cfg.Channel.Name())

	d := newDelegate(o.cfg.Surface, o.cfg.Provisioner, o.cfg.Channel, target.Password)
	conn, err := o.cfg.Transport.Connect(ctx, id, target, d)
	if err != nil {
		// The caller already receives the error; mirror it on the
		// surface so the UI reflects the terminal state even when the
		// caller discards the result. Failures the delegate surfaced at
		// the point of failure are not reported a second time.
		if !d.errorReported() {
			d.SetError(err.Error())
		}
		o.cfg.Logger.Warn("remote session failed", "attempt", id, "err", err)
		return nil, err
	}

	o.cfg.Logger.Info("remote session ready",
		"attempt", id, "server_version", versionString(conn))
	return conn, nil
}

func versionString(conn *transport.Conn) string {
	if conn == nil || conn.ServerVersion == nil {
		return "unknown"
	}
	return conn.ServerVersion.String()
}
