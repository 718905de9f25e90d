package message

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Type tags a Message variant on the wire.
type Type string

const (
	TypeInfo    Type = "info"
	TypeNotice  Type = "notice"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
	TypeData    Type = "data"
	TypeTable   Type = "table"
	TypeImage   Type = "image"
	TypeStatus  Type = "status"
)

var knownTypes = map[Type]struct{}{
	TypeInfo:    {},
	TypeNotice:  {},
	TypeSuccess: {},
	TypeWarning: {},
	TypeError:   {},
	TypeData:    {},
	TypeTable:   {},
	TypeImage:   {},
	TypeStatus:  {},
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is one unit of command output.
//
// Text carries the human readable body. Data carries the structured payload
// of data/table/image messages. Status messages carry their result in Success.
type Message struct {
	Type      Type
	Name      string
	Prefix    string
	Text      string
	Data      any
	Success   bool
	Silent    bool
	System    bool
	Traceback []string
}

// Option configures optional message attributes at construction time.
type Option func(*Message)

func WithName(name string) Option {
	return func(m *Message) { m.Name = name }
}

func WithPrefix(prefix string) Option {
	return func(m *Message) { m.Prefix = prefix }
}

func Silent() Option {
	return func(m *Message) { m.Silent = true }
}

func System() Option {
	return func(m *Message) { m.System = true }
}

// WithTraceback attaches traceback lines. Only Error messages keep them.
func WithTraceback(lines ...string) Option {
	return func(m *Message) { m.Traceback = slices.Clone(lines) }
}

func build(t Type, text string, data any, opts []Option) Message {
	m := Message{Type: t, Text: text, Data: plain(data)}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	if t != TypeError {
		m.Traceback = nil
	}
	return m
}

func Info(text string, opts ...Option) Message {
	return build(TypeInfo, text, nil, opts)
}

func Notice(text string, opts ...Option) Message {
	return build(TypeNotice, text, nil, opts)
}

func Success(text string, opts ...Option) Message {
	return build(TypeSuccess, text, nil, opts)
}

func Warning(text string, opts ...Option) Message {
	return build(TypeWarning, text, nil, opts)
}

func Error(text string, opts ...Option) Message {
	return build(TypeError, text, nil, opts)
}

// Data carries a structured payload, usually correlated by name. The payload
// is stored in its wire form, so a struct reads back as map[string]any and
// any number as float64.
func Data(text string, data any, opts ...Option) Message {
	return build(TypeData, text, data, opts)
}

// Table carries row data; the first row is treated as the header when rendered.
func Table(rows [][]any, opts ...Option) Message {
	data := make([]any, 0, len(rows))
	for _, row := range rows {
		data = append(data, []any(row))
	}
	return build(TypeTable, "", data, opts)
}

// Image carries an image location (path, URL, or data URI).
func Image(location string, opts ...Option) Message {
	return build(TypeImage, "", location, opts)
}

// Status terminates a command stream.
func Status(success bool, opts ...Option) Message {
	m := build(TypeStatus, "", nil, opts)
	m.Success = success
	m.System = true
	return m
}

// IsStatus reports whether m terminates a stream.
func (m Message) IsStatus() bool {
	return m.Type == TypeStatus
}

// IsError reports whether m is an Error message.
func (m Message) IsError() bool {
	return m.Type == TypeError
}

// Equal compares messages field by field, including payloads.
func (m Message) Equal(other Message) bool {
	if m.Type != other.Type || m.Name != other.Name || m.Prefix != other.Prefix ||
		m.Text != other.Text || m.Success != other.Success ||
		m.Silent != other.Silent || m.System != other.System {
		return false
	}
	if len(m.Traceback) != len(other.Traceback) || !slices.Equal(m.Traceback, other.Traceback) {
		return false
	}
	return reflect.DeepEqual(m.Data, other.Data)
}

// Format renders m for console display.
func (m Message) Format() string {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteString(m.Prefix)
		b.WriteString(" ")
	}
	switch m.Type {
	case TypeStatus:
		if m.Success {
			b.WriteString("status: success")
		} else {
			b.WriteString("status: failed")
		}
	case TypeError:
		b.WriteString("error: ")
		b.WriteString(m.Text)
		for _, line := range m.Traceback {
			b.WriteString("\n  ")
			b.WriteString(line)
		}
	case TypeWarning:
		b.WriteString("warning: ")
		b.WriteString(m.Text)
	case TypeData:
		if m.Text != "" {
			b.WriteString(m.Text)
			b.WriteString(": ")
		}
		fmt.Fprintf(&b, "%v", m.Data)
	case TypeTable:
		b.WriteString(formatTable(m.Data))
	case TypeImage:
		fmt.Fprintf(&b, "image: %v", m.Data)
	default:
		b.WriteString(m.Text)
	}
	return b.String()
}

func formatTable(data any) string {
	rows, ok := data.([]any)
	if !ok {
		return fmt.Sprintf("%v", data)
	}
	lines := make([]string, 0, len(rows))
	for _, raw := range rows {
		cells, ok := raw.([]any)
		if !ok {
			lines = append(lines, fmt.Sprintf("%v", raw))
			continue
		}
		parts := make([]string, 0, len(cells))
		for _, cell := range cells {
			parts = append(parts, fmt.Sprintf("%v", cell))
		}
		lines = append(lines, strings.Join(parts, " | "))
	}
	return strings.Join(lines, "\n")
}
