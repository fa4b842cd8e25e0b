package remote

import "github.com/Masterminds/semver/v3"

// ServerBinary is the outcome of provisioning: a compressed remote server
// artifact on the local filesystem paired with the orchestrator's running
// version. Produced exactly once per bootstrap attempt and never mutated.
type ServerBinary struct {
	Path    string
	Version *semver.Version
}
