package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalSurface answers prompts on a plain terminal: masked input via
// term.ReadPassword when stdin is a tty, line reads otherwise. Status and
// errors go to the output writer with a [moor] prefix.
//
// At most one input read is in flight; whatever it yields answers the
// request pending at that moment. A new request abandons the previous one,
// so a waiter never hangs on a superseded prompt.
type TerminalSurface struct {
	in   *os.File
	out  io.Writer
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	reading bool
	pending *request
	reader  *bufio.Reader
}

// request is resolved at most once: answered with a value or closed bare
// when abandoned.
type request struct {
	ch       chan Response
	resolved bool
}

// NewTerminalSurface builds a surface over stdin/stderr.
func NewTerminalSurface() *TerminalSurface {
	return NewTerminalSurfaceFiles(os.Stdin, os.Stderr)
}

// NewTerminalSurfaceFiles builds a surface over explicit files; tests use
// pipes here.
func NewTerminalSurfaceFiles(in *os.File, out io.Writer) *TerminalSurface {
	return &TerminalSurface{
		in:     in,
		out:    out,
		done:   make(chan struct{}),
		reader: bufio.NewReader(in),
	}
}

func (s *TerminalSurface) ShowRequest(prompt string, masked bool) <-chan Response {
	req := &request{ch: make(chan Response, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(req.ch)
		return req.ch
	}
	s.abandonPendingLocked()
	s.pending = req
	startRead := !s.reading
	s.reading = true
	s.mu.Unlock()

	fmt.Fprintf(s.out, "%s ", strings.TrimRight(prompt, " "))
	if startRead {
		go s.read(masked)
	}
	return req.ch
}

// read performs one input read and answers whichever request is pending
// when it completes. After Close the goroutine stays blocked until the next
// line or EOF arrives on the input; at most one such read lingers.
func (s *TerminalSurface) read(masked bool) {
	var line string
	var err error
	if masked && term.IsTerminal(int(s.in.Fd())) {
		var b []byte
		b, err = term.ReadPassword(int(s.in.Fd()))
		fmt.Fprintln(s.out)
		line = string(b)
	} else {
		line, err = s.reader.ReadString('\n')
	}

	if err != nil && line == "" {
		s.mu.Lock()
		s.reading = false
		s.mu.Unlock()
		s.Close()
		return
	}

	s.mu.Lock()
	s.reading = false
	if s.pending != nil && !s.pending.resolved {
		s.pending.resolved = true
		s.pending.ch <- Response{Secret: strings.TrimRight(line, "\r\n")}
		close(s.pending.ch)
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *TerminalSurface) abandonPendingLocked() {
	if s.pending != nil && !s.pending.resolved {
		s.pending.resolved = true
		close(s.pending.ch)
	}
	s.pending = nil
}

func (s *TerminalSurface) ShowStatus(status string) {
	if status == "" {
		return
	}
	fmt.Fprintf(s.out, "[moor] %s\n", status)
}

func (s *TerminalSurface) ShowError(message string) {
	fmt.Fprintf(s.out, "[moor] error: %s\n", message)
}

func (s *TerminalSurface) Done() <-chan struct{} { return s.done }

// Close tears the surface down; outstanding and future requests resolve as
// abandoned.
func (s *TerminalSurface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.abandonPendingLocked()
}
