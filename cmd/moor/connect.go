package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Masterminds/semver/v3"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/moorlab/moor/internal/prompt"
	"github.com/moorlab/moor/internal/provision"
	"github.com/moorlab/moor/internal/remote"
	"github.com/moorlab/moor/internal/session"
	"github.com/moorlab/moor/internal/settings"
	"github.com/moorlab/moor/internal/transport"
	"github.com/moorlab/moor/internal/update"
)

type connectFlags struct {
	username    string
	port        int
	channel     string
	policy      string
	releasesURL string
	buildDir    string
	plain       bool
}

func newConnectCmd(opts *rootOptions) *cobra.Command {
	var f connectFlags

	cmd := &cobra.Command{
		Use:   "connect <[user@]host[:port] | nickname>",
		Short: "Bootstrap a remote host and open a ready execution channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := settings.Load(opts.settingsPath)
			if err != nil {
				return err
			}
			target, nickname, err := resolveTarget(cfg, args[0], f.username, f.port)
			if err != nil {
				return err
			}
			if pw := strings.TrimSpace(os.Getenv("MOOR_PASSWORD")); pw != "" {
				target.Password = pw
			}

			channel, err := remote.ParseChannel(f.channel)
			if err != nil {
				return err
			}
			policy, err := provision.ParsePolicy(f.policy)
			if err != nil {
				return err
			}
			runningVersion, err := semver.NewVersion(version)
			if err != nil {
				return fmt.Errorf("parse running version %q: %w", version, err)
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			if f.plain {
				surface := prompt.NewTerminalSurface()
				defer surface.Close()
				return runConnect(ctx, surface, target, connectDeps{
					flags:   f,
					channel: channel,
					policy:  policy,
					version: runningVersion,
					logger:  logger,
				}, func(conn *connResult) error {
					fmt.Fprintf(os.Stdout, "[moor] connected to %s (server %s)\n",
						target.ConnectionString(), conn.serverVersion)
					return nil
				})
			}

			return runConnectTUI(ctx, cancel, target, nickname, connectDeps{
				flags:   f,
				channel: channel,
				policy:  policy,
				version: runningVersion,
				logger:  logger,
			})
		},
	}
	cmd.SilenceUsage = true

	cmd.Flags().StringVar(&f.username, "username", "", "remote username (overrides settings and the target spec)")
	cmd.Flags().IntVar(&f.port, "port", 0, "remote ssh port (overrides settings and the target spec)")
	cmd.Flags().StringVar(&f.channel, "channel", "stable", "release channel: stable|preview|dev")
	cmd.Flags().StringVar(&f.policy, "policy", "download", "provisioning policy: download|dev-build|cross-build")
	cmd.Flags().StringVar(&f.releasesURL, "releases-url", "https://releases.moorlab.dev", "release distribution service endpoint")
	cmd.Flags().StringVar(&f.buildDir, "build-dir", ".", "source checkout used by dev-build and cross-build policies")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "prompt on the terminal instead of the TUI modal")
	return cmd
}

// resolveTarget builds the bootstrap target from a nickname or host spec,
// applying settings defaults and letting flags win.
func resolveTarget(cfg *settings.Settings, spec, username string, port int) (remote.Target, string, error) {
	var target remote.Target
	var nickname string

	if c, ok := cfg.Find(spec); ok {
		target = c.Target()
		nickname = c.Nickname
	} else {
		t, err := remote.ParseTarget(spec)
		if err != nil {
			return remote.Target{}, "", err
		}
		target = t
		// A bare host may still have defaults declared in settings.
		if c, ok := cfg.Find(target.Host); ok {
			if target.Username == "" {
				target.Username = c.Username
			}
			if target.Port == 0 {
				target.Port = c.Port
			}
			nickname = c.Nickname
		}
	}

	if username != "" {
		target.Username = username
	}
	if port != 0 {
		target.Port = port
	}
	if target.Host == "" {
		return remote.Target{}, "", fmt.Errorf("no host for %q", spec)
	}
	return target, nickname, nil
}

type connectDeps struct {
	flags   connectFlags
	channel remote.Channel
	policy  provision.Policy
	version *semver.Version
	logger  *slog.Logger
}

type connResult struct {
	conn          *transport.Conn
	serverVersion string
}

// runConnect wires the orchestrator against the given surface and invokes
// onReady with the open connection.
func runConnect(ctx context.Context, surface prompt.Surface, target remote.Target, deps connectDeps, onReady func(*connResult) error) error {
	orch, err := buildOrchestrator(surface, deps)
	if err != nil {
		return err
	}
	conn, err := orch.Open(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	sv := "unknown"
	if conn.ServerVersion != nil {
		sv = conn.ServerVersion.String()
	}
	return onReady(&connResult{conn: conn, serverVersion: sv})
}

func buildOrchestrator(surface prompt.Surface, deps connectDeps) (*session.Orchestrator, error) {
	updater := update.NewClient(deps.flags.releasesURL, update.WithLogger(deps.logger))
	provisioner, err := provision.New(provision.Config{
		Policy:  deps.policy,
		Channel: deps.channel,
		Version: deps.version,
		Updater: updater,
		WorkDir: deps.flags.buildDir,
		Status:  surface.ShowStatus,
		Logger:  deps.logger,
	})
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Surface:     surface,
		Transport:   &transport.SSH{Version: deps.version, Logger: deps.logger},
		Provisioner: provisioner,
		Channel:     deps.channel,
		Logger:      deps.logger,
	})
}

// runConnectTUI drives the bootstrap behind the bubbletea modal. The
// orchestrator runs in its own goroutine; closing the modal tears the
// surface down, which resolves any outstanding credential wait as declined.
func runConnectTUI(ctx context.Context, cancel context.CancelFunc, target remote.Target, nickname string, deps connectDeps) error {
	prog := tea.NewProgram(newConnectModel(target.ConnectionString(), nickname))
	surface := newTUISurface(prog)

	orch, err := buildOrchestrator(surface, deps)
	if err != nil {
		return err
	}

	type result struct {
		conn *transport.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := orch.Open(ctx, target)
		resCh <- result{conn: conn, err: err}
		prog.Send(openFinishedMsg{err: err})
	}()

	_, runErr := prog.Run()
	surface.Close()
	cancel()

	res := <-resCh
	if runErr != nil {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return runErr
	}
	if res.err != nil {
		return res.err
	}
	defer res.conn.Close()

	sv := "unknown"
	if res.conn.ServerVersion != nil {
		sv = res.conn.ServerVersion.String()
	}
	fmt.Fprintf(os.Stdout, "[moor] connected to %s (server %s)\n", target.ConnectionString(), sv)
	return nil
}
