package remote

import (
	"fmt"
	"strings"
)

// Channel is the release channel governing which remote server binaries are
// fetched and how the remote binary path is named.
type Channel int

const (
	ChannelStable Channel = iota
	ChannelPreview
	ChannelDev
)

// ParseChannel accepts the channel names used in flags and settings.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "":
		return ChannelStable, nil
	case "preview":
		return ChannelPreview, nil
	case "dev", "development":
		return ChannelDev, nil
	default:
		return ChannelStable, fmt.Errorf("unknown release channel %q (expected stable|preview|dev)", s)
	}
}

// Name is the stable identifier embedded in remote paths and release
// queries. It must not change across versions: the remote host and the
// orchestrator have to agree on it between sessions.
func (c Channel) Name() string {
	switch c {
	case ChannelPreview:
		return "preview"
	case ChannelDev:
		return "dev"
	default:
		return "stable"
	}
}

func (c Channel) String() string { return c.Name() }
