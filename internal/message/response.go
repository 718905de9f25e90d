package message

import (
	"fmt"
	"strings"
)

// CommandError reports a command whose stream ended aborted.
type CommandError struct {
	Command string
	Errors  []Message
}

func (e *CommandError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("command %q failed", e.Command)
	}
	texts := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		texts = append(texts, m.Text)
	}
	return fmt.Sprintf("command %q failed: %s", e.Command, strings.Join(texts, "; "))
}

// Last returns the final Error message, if any.
func (e *CommandError) Last() (Message, bool) {
	if len(e.Errors) == 0 {
		return Message{}, false
	}
	return e.Errors[len(e.Errors)-1], true
}

// Response aggregates one command stream on the caller side.
//
// A stream that never delivered a Status message is treated as aborted.
type Response struct {
	Command  string
	Messages []Message
	Named    map[string]Message
	Errors   []Message
	Aborted  bool
	Key      string
	complete bool
}

func NewResponse(command string) *Response {
	return &Response{
		Command: command,
		Named:   make(map[string]Message),
		Aborted: true,
	}
}

// Add records m. The last message per name wins; Status decides Aborted.
func (r *Response) Add(m Message) {
	r.Messages = append(r.Messages, m)
	if m.Name != "" {
		r.Named[m.Name] = m
	}
	if m.IsError() {
		r.Errors = append(r.Errors, m)
	}
	if m.IsStatus() {
		r.Aborted = !m.Success
		r.complete = true
	}
}

// Collect is a callback adapter for streaming consumers.
func (r *Response) Collect(m Message) error {
	r.Add(m)
	return nil
}

// Complete reports whether a Status message was received.
func (r *Response) Complete() bool {
	return r.complete
}

// Get returns the payload of the last message with name.
func (r *Response) Get(name string) (any, bool) {
	m, ok := r.Named[name]
	if !ok {
		return nil, false
	}
	if m.Data != nil {
		return m.Data, true
	}
	return m.Text, true
}

// Output returns non-status messages in arrival order.
func (r *Response) Output() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if !m.IsStatus() {
			out = append(out, m)
		}
	}
	return out
}

// Err converts an aborted response into a *CommandError.
func (r *Response) Err() error {
	if !r.Aborted {
		return nil
	}
	return &CommandError{Command: r.Command, Errors: append([]Message(nil), r.Errors...)}
}

// ExitCode maps a response to a process status: 0 success, 1 failure.
// reverse inverts the mapping.
func ExitCode(r *Response, reverse bool) int {
	failed := r == nil || r.Aborted
	if reverse {
		failed = !failed
	}
	if failed {
		return 1
	}
	return 0
}
