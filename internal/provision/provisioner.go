// Package provision resolves, builds, or downloads the moor-remote-server
// artifact for a target platform. Resolution is a strictly ordered state
// machine: local development build, cross-compiled build, remote download.
// Build stages run external toolchain processes and fall through on failure;
// the download stage is the only fatal one.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/moorlab/moor/internal/remote"
)

// Policy selects which provisioning strategies are available for this run
// of the embedding application. It replaces build-tag conditionals: the
// caller decides at startup whether source builds are allowed.
type Policy int

const (
	// DownloadOnly fetches released binaries from the distribution
	// service. The only policy that makes sense outside a source checkout.
	DownloadOnly Policy = iota
	// DevelopmentBuild compiles from the local checkout when the target
	// platform matches the local machine, cross-builds otherwise, and
	// falls back to download.
	DevelopmentBuild
	// CrossBuild always cross-compiles via the triple toolchain, falling
	// back to download.
	CrossBuild
)

// ParsePolicy accepts the policy names used in flags.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "download", "":
		return DownloadOnly, nil
	case "dev-build":
		return DevelopmentBuild, nil
	case "cross-build":
		return CrossBuild, nil
	default:
		return DownloadOnly, fmt.Errorf("unknown provisioning policy %q (expected download|dev-build|cross-build)", s)
	}
}

// Updater is the distribution service consumed by the download stage.
type Updater interface {
	LatestRemoteServerRelease(ctx context.Context, osName, arch string, channel remote.Channel) (string, error)
}

// Runner executes one external toolchain process in dir and returns an
// error when it exits non-zero. Injectable for tests.
type Runner func(ctx context.Context, dir, name string, args ...string) error

// Config carries the explicit state the provisioner needs; nothing is read
// from globals.
type Config struct {
	Policy  Policy
	Channel remote.Channel
	// Version is the orchestrator's running version; every outcome carries
	// it, never a version parsed from an artifact.
	Version *semver.Version
	// Local is the platform of this machine, used to pick the local build
	// stage over the cross build.
	Local   remote.Platform
	Updater Updater
	// WorkDir is the source checkout used by the build stages. Defaults
	// to the current directory.
	WorkDir string
	// Status receives human-readable progress before each stage does work.
	Status func(string)
	Logger *slog.Logger
	Run    Runner
}

// Provisioner implements the three-stage resolution.
type Provisioner struct {
	cfg Config
}

const serverPackage = "./cmd/moor-remote-server"

// New validates the config and applies defaults.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Version == nil {
		return nil, fmt.Errorf("provision: version is required")
	}
	if cfg.Updater == nil {
		return nil, fmt.Errorf("provision: updater is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Status == nil {
		cfg.Status = func(string) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.Run == nil {
		cfg.Run = runCommand
	}
	if cfg.Local == (remote.Platform{}) {
		cfg.Local = remote.LocalPlatform()
	}
	return &Provisioner{cfg: cfg}, nil
}

// Resolve produces exactly one ServerBinary per attempt. Stages are
// evaluated in order and short-circuit on the first success; a failed build
// stage is logged and falls through to download.
func (p *Provisioner) Resolve(ctx context.Context, platform remote.Platform) (remote.ServerBinary, error) {
	if p.cfg.Policy != DownloadOnly && p.cfg.Channel != remote.ChannelStable {
		bin, ok, err := p.buildFromSource(ctx, platform)
		if err != nil {
			// Intentional resilience: a broken toolchain should not
			// block connecting, but it must be visible in the log as a
			// build failure rather than a download problem.
			p.cfg.Logger.Warn("remote server build failed; falling back to download",
				"platform", platform.String(), "err", err)
		} else if ok {
			return bin, nil
		}
	}

	p.cfg.Status("checking for latest version of remote server")
	path, err := p.cfg.Updater.LatestRemoteServerRelease(ctx, platform.OS, platform.Arch, p.cfg.Channel)
	if err != nil {
		return remote.ServerBinary{}, &remote.ProvisionError{
			Kind:     remote.ProvisionDownload,
			Platform: platform,
			Err:      err,
		}
	}
	return remote.ServerBinary{Path: path, Version: p.cfg.Version}, nil
}

// buildFromSource runs stage 1 or stage 2. ok=false with a nil error means
// no build strategy applies to the platform (no triple) and the caller
// should try the download stage without logging a failure.
func (p *Provisioner) buildFromSource(ctx context.Context, platform remote.Platform) (remote.ServerBinary, bool, error) {
	if p.cfg.Policy == DevelopmentBuild && platform == p.cfg.Local {
		bin, err := p.buildLocal(ctx, platform)
		if err != nil {
			return remote.ServerBinary{}, false, err
		}
		return bin, true, nil
	}

	triple, ok := platform.Triple()
	if !ok {
		return remote.ServerBinary{}, false, nil
	}
	bin, err := p.buildCross(ctx, platform, triple)
	if err != nil {
		return remote.ServerBinary{}, false, err
	}
	return bin, true, nil
}

func (p *Provisioner) buildLocal(ctx context.Context, platform remote.Platform) (remote.ServerBinary, error) {
	out := filepath.Join("target", "remote_server", "debug", "remote_server")

	p.cfg.Status("Building remote server binary from source")
	p.cfg.Logger.Info("building remote server binary from source")
	if err := p.cfg.Run(ctx, p.cfg.WorkDir, "go", "build", "-o", out, serverPackage); err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}

	p.cfg.Status("Compressing binary")
	if err := p.cfg.Run(ctx, p.cfg.WorkDir, "gzip", "-9", "-f", out); err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}

	path, err := p.artifactPath(out + ".gz")
	if err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}
	return remote.ServerBinary{Path: path, Version: p.cfg.Version}, nil
}

func (p *Provisioner) buildCross(ctx context.Context, platform remote.Platform, triple string) (remote.ServerBinary, error) {
	out := filepath.Join("target", "remote_server", triple, "debug", "remote_server")

	if err := os.MkdirAll(filepath.Join(p.cfg.WorkDir, "target", "remote_server"), 0o755); err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}

	p.cfg.Status("Installing gox for cross-compilation")
	p.cfg.Logger.Info("installing gox")
	if err := p.cfg.Run(ctx, p.cfg.WorkDir, "go", "install", "github.com/mitchellh/gox@latest"); err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}

	p.cfg.Status("Building remote server binary from source for " + triple)
	p.cfg.Logger.Info("building remote server binary from source", "triple", triple)
	if err := p.cfg.Run(ctx, p.cfg.WorkDir, "gox",
		"-osarch="+platform.OS+"/"+platform.Arch,
		"-tags=debugembed",
		"-output="+out,
		serverPackage,
	); err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}

	p.cfg.Status("Compressing binary")
	if err := p.cfg.Run(ctx, p.cfg.WorkDir, "gzip", "-9", "-f", out); err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}

	path, err := p.artifactPath(out + ".gz")
	if err != nil {
		return remote.ServerBinary{}, p.buildErr(platform, err)
	}
	return remote.ServerBinary{Path: path, Version: p.cfg.Version}, nil
}

func (p *Provisioner) buildErr(platform remote.Platform, err error) error {
	return &remote.ProvisionError{Kind: remote.ProvisionBuild, Platform: platform, Err: err}
}

func (p *Provisioner) artifactPath(rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(p.cfg.WorkDir, rel))
	if err != nil {
		return "", err
	}
	return abs, nil
}

func runCommand(ctx context.Context, dir, name string, args ...string) error {
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = dir
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("run %s %v: %w", name, args, err)
	}
	return nil
}
