package remote

import (
	"errors"
	"fmt"
)

// ErrCredentialDeclined reports that the human closed or cancelled a
// credential prompt, or that the prompt surface was torn down before
// answering. Always fatal for the attempt.
var ErrCredentialDeclined = errors.New("credential request declined")

// ProvisionErrorKind distinguishes the two ways provisioning can fail.
type ProvisionErrorKind int

const (
	// ProvisionBuild: a local or cross build (or its compression step)
	// exited non-zero. Non-fatal at its stage; the provisioner falls
	// through to the next strategy.
	ProvisionBuild ProvisionErrorKind = iota
	// ProvisionDownload: the distribution service lookup or fetch failed.
	// Fatal for the attempt.
	ProvisionDownload
)

// ProvisionError wraps a provisioning stage failure with the target
// platform, so download failures always name the OS and architecture.
type ProvisionError struct {
	Kind     ProvisionErrorKind
	Platform Platform
	Err      error
}

func (e *ProvisionError) Error() string {
	switch e.Kind {
	case ProvisionDownload:
		return fmt.Sprintf("failed to download remote server binary (os: %s, arch: %s): %v",
			e.Platform.OS, e.Platform.Arch, e.Err)
	default:
		return fmt.Sprintf("failed to build remote server binary (os: %s, arch: %s): %v",
			e.Platform.OS, e.Platform.Arch, e.Err)
	}
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TransportError wraps an opaque failure from the connection layer; the
// message is passed through unchanged.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
