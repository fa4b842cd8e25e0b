package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// Target identifies a remote endpoint for one bootstrap attempt. It is
// immutable once the attempt starts; Password is an optional secret the
// caller already holds and is never written back to settings.
type Target struct {
	Host     string
	Username string
	Port     int
	Password string
}

// ParseTarget parses a "[user@]host[:port]" spec.
func ParseTarget(spec string) (Target, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return Target{}, fmt.Errorf("host is required")
	}
	var t Target
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.Username = s[:i]
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		port, err := strconv.Atoi(s[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("invalid port in %q", spec)
		}
		t.Port = port
		s = s[:i]
	}
	if s == "" {
		return Target{}, fmt.Errorf("invalid target %q", spec)
	}
	t.Host = s
	return t, nil
}

// ConnectionString renders the target for display and prompts, without the
// password.
func (t Target) ConnectionString() string {
	s := t.Host
	if t.Username != "" {
		s = t.Username + "@" + s
	}
	if t.Port != 0 {
		s = s + ":" + strconv.Itoa(t.Port)
	}
	return s
}

// Addr returns the dial address, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}
