// Package session drives one bootstrap attempt end to end: it binds a
// connection delegate to a prompt surface and a provisioner, hands both to
// the transport, and reports the final outcome exactly once to the surface
// and once to the caller.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/moorlab/moor/internal/prompt"
	"github.com/moorlab/moor/internal/provision"
	"github.com/moorlab/moor/internal/remote"
)

// delegate aggregates credential prompting, provisioning, and status
// reporting behind the capability object the transport calls back into.
// One delegate serves one bootstrap attempt.
type delegate struct {
	surface       prompt.Surface
	provisioner   *provision.Provisioner
	channel       remote.Channel
	knownPassword string

	mu       sync.Mutex
	reported bool
}

func newDelegate(surface prompt.Surface, provisioner *provision.Provisioner, channel remote.Channel, knownPassword string) *delegate {
	return &delegate{
		surface:       surface,
		provisioner:   provisioner,
		channel:       channel,
		knownPassword: knownPassword,
	}
}

// AskPassword resolves secret prompts from the attempt's cached secret when
// one exists; the surface is never invoked for those, for the lifetime of
// the attempt. Confirmations and uncached secrets show the prompt and
// suspend until a human answers, the surface is torn down, or the attempt
// is cancelled.
func (d *delegate) AskPassword(ctx context.Context, promptText string) (string, error) {
	// Prompts carrying a yes/no cue are plaintext confirmations; anything
	// else is a secret and gets masked input. Confirmations never resolve
	// from the cached secret: a password is not an answer to a host key
	// check.
	masked := !strings.Contains(strings.ToLower(promptText), "yes/no")

	if masked && d.knownPassword != "" {
		return d.knownPassword, nil
	}

	ch := d.surface.ShowRequest(promptText, masked)
	select {
	case resp, ok := <-ch:
		if !ok {
			return "", d.declined()
		}
		return resp.Secret, nil
	case <-d.surface.Done():
		return "", d.declined()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *delegate) declined() error {
	d.SetError(remote.ErrCredentialDeclined.Error())
	return remote.ErrCredentialDeclined
}

// ServerBinary resolves the remote server artifact for the platform,
// surfacing provisioning failures before returning them.
func (d *delegate) ServerBinary(ctx context.Context, platform remote.Platform) (remote.ServerBinary, error) {
	bin, err := d.provisioner.Resolve(ctx, platform)
	if err != nil {
		d.SetError(err.Error())
		return remote.ServerBinary{}, err
	}
	return bin, nil
}

// RemoteServerBinaryPath derives the agreed on-host location of the server
// from the release channel name alone. Pure: identical channel input always
// yields the identical path.
func (d *delegate) RemoteServerBinaryPath() string {
	return ".local/moor-remote-server-" + d.channel.Name()
}

func (d *delegate) SetStatus(status string) { d.surface.ShowStatus(status) }

// SetError forwards to the surface and remembers that it did, so the
// orchestrator can tell whether a failing attempt still owes the surface an
// error report.
func (d *delegate) SetError(message string) {
	d.mu.Lock()
	d.reported = true
	d.mu.Unlock()
	d.surface.ShowError(message)
}

func (d *delegate) errorReported() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reported
}
