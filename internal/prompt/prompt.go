// Package prompt defines the surface the bootstrap core talks to when it
// needs a human: a one-shot request/response channel plus status and error
// display. Implementations render however they like (TUI modal, plain
// terminal); the core never renders.
package prompt

// Response carries the human's answer to a single request.
type Response struct {
	Secret string
}

// Surface is the display side of credential prompting and progress
// reporting.
//
// ShowRequest installs a prompt and returns a channel that yields at most
// one Response. The channel is closed without a value when the request is
// abandoned: the surface was torn down, or a newer request replaced this
// one. masked is a display hint only; surfaces show unmasked input for
// plaintext confirmations such as host key checks.
//
// ShowStatus replaces the current progress line; an empty string clears it.
// ShowError records a terminal error for display. Done is closed when the
// surface is torn down, after which no request will ever be answered.
type Surface interface {
	ShowRequest(prompt string, masked bool) <-chan Response
	ShowStatus(status string)
	ShowError(message string)
	Done() <-chan struct{}
}
