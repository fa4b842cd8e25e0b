package prompt

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

func pipeWith(t *testing.T, input string) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	go func() {
		w.WriteString(input)
		w.Close()
	}()
	return r
}

func awaitResponse(t *testing.T, ch <-chan Response) (Response, bool) {
	t.Helper()
	select {
	case resp, ok := <-ch:
		return resp, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return Response{}, false
	}
}

func TestShowRequestReadsLine(t *testing.T) {
	var out bytes.Buffer
	s := NewTerminalSurfaceFiles(pipeWith(t, "swordfish\n"), &out)

	resp, ok := awaitResponse(t, s.ShowRequest("password:", true))
	if !ok {
		t.Fatal("request abandoned")
	}
	if resp.Secret != "swordfish" {
		t.Fatalf("secret=%q", resp.Secret)
	}
	if !strings.Contains(out.String(), "password:") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestShowRequestEOFAbandons(t *testing.T) {
	var out bytes.Buffer
	s := NewTerminalSurfaceFiles(pipeWith(t, ""), &out)

	if _, ok := awaitResponse(t, s.ShowRequest("password:", true)); ok {
		t.Fatal("expected abandoned request")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("surface not torn down after EOF")
	}
}

func TestShowRequestFinalLineWithoutNewline(t *testing.T) {
	var out bytes.Buffer
	s := NewTerminalSurfaceFiles(pipeWith(t, "yes"), &out)

	resp, ok := awaitResponse(t, s.ShowRequest("Continue connecting (yes/no)?", false))
	if !ok {
		t.Fatal("request abandoned")
	}
	if resp.Secret != "yes" {
		t.Fatalf("secret=%q", resp.Secret)
	}
}

func TestShowRequestReplacementAbandonsPrior(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	var out bytes.Buffer
	s := NewTerminalSurfaceFiles(r, &out)

	first := s.ShowRequest("password:", true)
	second := s.ShowRequest("Continue connecting (yes/no)?", false)

	if _, ok := awaitResponse(t, first); ok {
		t.Fatal("replaced request must resolve as abandoned")
	}

	go func() {
		w.WriteString("yes\n")
		w.Close()
	}()
	resp, ok := awaitResponse(t, second)
	if !ok {
		t.Fatal("request abandoned")
	}
	if resp.Secret != "yes" {
		t.Fatalf("secret=%q", resp.Secret)
	}
}

func TestShowRequestAfterCloseIsAbandoned(t *testing.T) {
	s := NewTerminalSurfaceFiles(pipeWith(t, "ignored\n"), &bytes.Buffer{})
	s.Close()
	if _, ok := awaitResponse(t, s.ShowRequest("password:", true)); ok {
		t.Fatal("closed surface must not answer requests")
	}
}

func TestShowStatusAndError(t *testing.T) {
	var out bytes.Buffer
	s := NewTerminalSurfaceFiles(pipeWith(t, ""), &out)

	s.ShowStatus("connecting to alice@host")
	s.ShowStatus("")
	s.ShowError("connection refused")

	got := out.String()
	if !strings.Contains(got, "[moor] connecting to alice@host\n") {
		t.Fatalf("output=%q", got)
	}
	if !strings.Contains(got, "[moor] error: connection refused\n") {
		t.Fatalf("output=%q", got)
	}
	if strings.Count(got, "[moor]") != 2 {
		t.Fatalf("empty status must print nothing: %q", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewTerminalSurfaceFiles(pipeWith(t, ""), &bytes.Buffer{})
	s.Close()
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
