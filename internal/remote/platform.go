package remote

import (
	"fmt"
	"runtime"
)

// Platform describes the execution environment of a remote host using
// GOOS/GOARCH names, regardless of how the host reported itself.
type Platform struct {
	OS   string
	Arch string
}

// LocalPlatform returns the platform of the machine running the orchestrator.
func LocalPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) String() string {
	return fmt.Sprintf("%s/%s", p.OS, p.Arch)
}

// Triple maps the platform onto a cross-compilation target triple. The
// second return is false when no triple is known, in which case the
// provisioner cannot cross-build for the platform.
func (p Platform) Triple() (string, bool) {
	switch p {
	case Platform{OS: "linux", Arch: "amd64"}:
		return "x86_64-unknown-linux-gnu", true
	case Platform{OS: "linux", Arch: "arm64"}:
		return "aarch64-unknown-linux-gnu", true
	case Platform{OS: "darwin", Arch: "amd64"}:
		return "x86_64-apple-darwin", true
	case Platform{OS: "darwin", Arch: "arm64"}:
		return "aarch64-apple-darwin", true
	default:
		return "", false
	}
}
