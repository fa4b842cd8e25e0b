package transport

import (
	"strings"
	"testing"

	"github.com/moorlab/moor/internal/remote"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		out  string
		want remote.Platform
		err  bool
	}{
		{out: "Linux x86_64\n", want: remote.Platform{OS: "linux", Arch: "amd64"}},
		{out: "Linux aarch64", want: remote.Platform{OS: "linux", Arch: "arm64"}},
		{out: "Darwin arm64\n", want: remote.Platform{OS: "darwin", Arch: "arm64"}},
		{out: "Darwin x86_64", want: remote.Platform{OS: "darwin", Arch: "amd64"}},
		{out: "FreeBSD amd64", err: true},
		{out: "Linux mips64", err: true},
		{out: "Linux", err: true},
		{out: "", err: true},
	}
	for _, tt := range tests {
		got, err := parsePlatform(tt.out)
		if tt.err {
			if err == nil {
				t.Fatalf("parsePlatform(%q): expected error", tt.out)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parsePlatform(%q): %v", tt.out, err)
		}
		if got != tt.want {
			t.Fatalf("parsePlatform(%q) = %v, want %v", tt.out, got, tt.want)
		}
	}
}

func TestParseHello(t *testing.T) {
	hello, err := parseHello(`{"port": 43811, "version": "1.2.3"}` + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if hello.Port != 43811 {
		t.Fatalf("port=%d", hello.Port)
	}
	if hello.version == nil || hello.version.String() != "1.2.3" {
		t.Fatalf("version=%v", hello.version)
	}
}

func TestParseHelloToleratesUnparsableVersion(t *testing.T) {
	hello, err := parseHello(`{"port": 1024, "version": "devbuild"}`)
	if err != nil {
		t.Fatal(err)
	}
	if hello.version != nil {
		t.Fatalf("version=%v", hello.version)
	}
}

func TestParseHelloRejectsBadInput(t *testing.T) {
	for _, line := range []string{
		"not json",
		`{"port": 0, "version": "1.2.3"}`,
		`{"port": -1}`,
	} {
		if _, err := parseHello(line); err == nil {
			t.Fatalf("parseHello(%q): expected error", line)
		}
	}
}

func TestIsAffirmative(t *testing.T) {
	for _, answer := range []string{"yes", "YES", " y ", "Y"} {
		if !isAffirmative(answer) {
			t.Fatalf("%q should be affirmative", answer)
		}
	}
	for _, answer := range []string{"no", "n", "", "yeah", "yes!"} {
		if isAffirmative(answer) {
			t.Fatalf("%q should not be affirmative", answer)
		}
	}
}

func TestShQuote(t *testing.T) {
	if got := shQuote(".local/moor-remote-server-stable"); got != "'.local/moor-remote-server-stable'" {
		t.Fatalf("got %q", got)
	}
	quoted := shQuote("it's")
	if strings.Count(quoted, "'") < 3 {
		t.Fatalf("embedded quote not escaped: %q", quoted)
	}
	if !strings.HasPrefix(quoted, "'") || !strings.HasSuffix(quoted, "'") {
		t.Fatalf("got %q", quoted)
	}
}

func TestConnCloseWithNilMembers(t *testing.T) {
	c := &Conn{}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
