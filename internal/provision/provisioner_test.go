package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/moorlab/moor/internal/remote"
)

var testVersion = semver.MustParse("0.1.0")

type recordedCommand struct {
	name string
	args []string
}

type fakeRunner struct {
	commands []recordedCommand
	failOn   string // substring of "name args..." that triggers a failure
}

func (f *fakeRunner) run(_ context.Context, _ string, name string, args ...string) error {
	f.commands = append(f.commands, recordedCommand{name: name, args: args})
	joined := name + " " + strings.Join(args, " ")
	if f.failOn != "" && strings.Contains(joined, f.failOn) {
		return fmt.Errorf("exit status 1")
	}
	return nil
}

type fakeUpdater struct {
	calls int
	path  string
	err   error
}

func (f *fakeUpdater) LatestRemoteServerRelease(_ context.Context, osName, arch string, _ remote.Channel) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.path != "" {
		return f.path, nil
	}
	return "/cache/moor-remote-server-" + osName + "-" + arch + ".gz", nil
}

type recorder struct {
	statuses []string
}

func (r *recorder) status(s string) { r.statuses = append(r.statuses, s) }

func newTestProvisioner(t *testing.T, cfg Config, runner *fakeRunner, rec *recorder) *Provisioner {
	t.Helper()
	if cfg.Version == nil {
		cfg.Version = testVersion
	}
	if cfg.Updater == nil {
		cfg.Updater = &fakeUpdater{}
	}
	cfg.WorkDir = t.TempDir()
	cfg.Run = runner.run
	cfg.Status = rec.status
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolveLocalDevBuild(t *testing.T) {
	local := remote.Platform{OS: "linux", Arch: "amd64"}
	runner := &fakeRunner{}
	rec := &recorder{}
	updater := &fakeUpdater{}
	p := newTestProvisioner(t, Config{
		Policy:  DevelopmentBuild,
		Channel: remote.ChannelDev,
		Local:   local,
		Updater: updater,
	}, runner, rec)

	bin, err := p.Resolve(context.Background(), local)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(bin.Path, filepath.Join("target", "remote_server", "debug", "remote_server.gz")) {
		t.Fatalf("path=%q", bin.Path)
	}
	if !bin.Version.Equal(testVersion) {
		t.Fatalf("version=%v", bin.Version)
	}
	if updater.calls != 0 {
		t.Fatalf("updater called %d times", updater.calls)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("commands=%v", runner.commands)
	}
	if runner.commands[0].name != "go" || runner.commands[0].args[0] != "build" {
		t.Fatalf("first command %v", runner.commands[0])
	}
	if runner.commands[1].name != "gzip" {
		t.Fatalf("second command %v", runner.commands[1])
	}
	wantStatuses := []string{"Building remote server binary from source", "Compressing binary"}
	if len(rec.statuses) != len(wantStatuses) {
		t.Fatalf("statuses=%v", rec.statuses)
	}
	for i, want := range wantStatuses {
		if rec.statuses[i] != want {
			t.Fatalf("status[%d]=%q, want %q", i, rec.statuses[i], want)
		}
	}
}

func TestResolveCrossBuild(t *testing.T) {
	runner := &fakeRunner{}
	rec := &recorder{}
	p := newTestProvisioner(t, Config{
		Policy:  DevelopmentBuild,
		Channel: remote.ChannelDev,
		Local:   remote.Platform{OS: "darwin", Arch: "arm64"},
	}, runner, rec)

	bin, err := p.Resolve(context.Background(), remote.Platform{OS: "linux", Arch: "amd64"})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("target", "remote_server", "x86_64-unknown-linux-gnu", "debug", "remote_server.gz")
	if !strings.HasSuffix(bin.Path, want) {
		t.Fatalf("path=%q, want suffix %q", bin.Path, want)
	}
	if len(runner.commands) != 3 {
		t.Fatalf("commands=%v", runner.commands)
	}
	if runner.commands[0].name != "go" || runner.commands[0].args[0] != "install" {
		t.Fatalf("first command %v", runner.commands[0])
	}
	if runner.commands[1].name != "gox" {
		t.Fatalf("second command %v", runner.commands[1])
	}
	found := false
	for _, s := range rec.statuses {
		if strings.Contains(s, "cross-compilation") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cross-compilation status in %v", rec.statuses)
	}
}

func TestResolveDownloadOnly(t *testing.T) {
	runner := &fakeRunner{}
	rec := &recorder{}
	updater := &fakeUpdater{path: "/cache/v0.1.0/artifact.gz"}
	p := newTestProvisioner(t, Config{
		Policy:  DownloadOnly,
		Channel: remote.ChannelStable,
		Updater: updater,
	}, runner, rec)

	bin, err := p.Resolve(context.Background(), remote.Platform{OS: "linux", Arch: "arm64"})
	if err != nil {
		t.Fatal(err)
	}
	if bin.Path != "/cache/v0.1.0/artifact.gz" {
		t.Fatalf("path=%q", bin.Path)
	}
	if !bin.Version.Equal(testVersion) {
		t.Fatalf("version=%v", bin.Version)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("commands=%v", runner.commands)
	}
	if len(rec.statuses) != 1 || rec.statuses[0] != "checking for latest version of remote server" {
		t.Fatalf("statuses=%v", rec.statuses)
	}
}

func TestStableChannelNeverBuilds(t *testing.T) {
	runner := &fakeRunner{}
	rec := &recorder{}
	updater := &fakeUpdater{}
	local := remote.Platform{OS: "linux", Arch: "amd64"}
	p := newTestProvisioner(t, Config{
		Policy:  DevelopmentBuild,
		Channel: remote.ChannelStable,
		Local:   local,
		Updater: updater,
	}, runner, rec)

	if _, err := p.Resolve(context.Background(), local); err != nil {
		t.Fatal(err)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("commands=%v", runner.commands)
	}
	if updater.calls != 1 {
		t.Fatalf("updater calls=%d", updater.calls)
	}
}

func TestFailedBuildFallsThroughToDownload(t *testing.T) {
	local := remote.Platform{OS: "linux", Arch: "amd64"}
	runner := &fakeRunner{failOn: "go build"}
	rec := &recorder{}
	updater := &fakeUpdater{path: "/cache/fallback.gz"}
	p := newTestProvisioner(t, Config{
		Policy:  DevelopmentBuild,
		Channel: remote.ChannelDev,
		Local:   local,
		Updater: updater,
	}, runner, rec)

	bin, err := p.Resolve(context.Background(), local)
	if err != nil {
		t.Fatalf("build failure must not surface: %v", err)
	}
	if bin.Path != "/cache/fallback.gz" {
		t.Fatalf("path=%q", bin.Path)
	}
	if updater.calls != 1 {
		t.Fatalf("updater calls=%d", updater.calls)
	}
}

func TestFailedCompressionFallsThroughToDownload(t *testing.T) {
	local := remote.Platform{OS: "linux", Arch: "amd64"}
	runner := &fakeRunner{failOn: "gzip"}
	rec := &recorder{}
	updater := &fakeUpdater{}
	p := newTestProvisioner(t, Config{
		Policy:  DevelopmentBuild,
		Channel: remote.ChannelDev,
		Local:   local,
		Updater: updater,
	}, runner, rec)

	if _, err := p.Resolve(context.Background(), local); err != nil {
		t.Fatalf("compression failure must not surface: %v", err)
	}
	if updater.calls != 1 {
		t.Fatalf("updater calls=%d", updater.calls)
	}
}

func TestNoTripleGoesStraightToDownload(t *testing.T) {
	runner := &fakeRunner{}
	rec := &recorder{}
	updater := &fakeUpdater{}
	p := newTestProvisioner(t, Config{
		Policy:  DevelopmentBuild,
		Channel: remote.ChannelDev,
		Local:   remote.Platform{OS: "darwin", Arch: "arm64"},
		Updater: updater,
	}, runner, rec)

	if _, err := p.Resolve(context.Background(), remote.Platform{OS: "freebsd", Arch: "amd64"}); err != nil {
		t.Fatal(err)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("commands=%v", runner.commands)
	}
	if updater.calls != 1 {
		t.Fatalf("updater calls=%d", updater.calls)
	}
}

func TestDownloadFailureIsFatalAndNamesPlatform(t *testing.T) {
	runner := &fakeRunner{}
	rec := &recorder{}
	updater := &fakeUpdater{err: errors.New("service unavailable")}
	p := newTestProvisioner(t, Config{
		Policy:  DownloadOnly,
		Channel: remote.ChannelStable,
		Updater: updater,
	}, runner, rec)

	_, err := p.Resolve(context.Background(), remote.Platform{OS: "linux", Arch: "amd64"})
	if err == nil {
		t.Fatal("expected error")
	}
	var provErr *remote.ProvisionError
	if !errors.As(err, &provErr) {
		t.Fatalf("error type %T", err)
	}
	if provErr.Kind != remote.ProvisionDownload {
		t.Fatalf("kind=%v", provErr.Kind)
	}
	msg := err.Error()
	if !strings.Contains(msg, "os: linux") || !strings.Contains(msg, "arch: amd64") {
		t.Fatalf("message %q must name os and arch", msg)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("dev-build"); err != nil || p != DevelopmentBuild {
		t.Fatalf("p=%v err=%v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != DownloadOnly {
		t.Fatalf("p=%v err=%v", p, err)
	}
	if _, err := ParsePolicy("yolo"); err == nil {
		t.Fatal("expected error")
	}
}
