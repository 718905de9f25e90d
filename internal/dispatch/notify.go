package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification is the outcome of one invocation as delivered to notifiers.
type Notification struct {
	Key        string    `json:"key"`
	Command    string    `json:"command"`
	Path       Path      `json:"path"`
	Success    bool      `json:"success"`
	Stalled    bool      `json:"stalled,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	Time       time.Time `json:"time"`
}

// Notifier delivers notifications. A failing notifier never changes the
// invocation outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	event := l.Logger.Info()
	if !n.Success {
		event = l.Logger.Warn().Strs("errors", n.Errors)
	}
	event.
		Str("invocation", n.Key).
		Str("command", n.Command).
		Str("path", string(n.Path)).
		Bool("success", n.Success).
		Bool("stalled", n.Stalled).
		Strs("recipients", n.Recipients).
		Msg("command_notification")
	return nil
}

// FileNotifier appends notifications as JSON lines.
type FileNotifier struct {
	Path string

	mu sync.Mutex
}

func (f *FileNotifier) Notify(_ context.Context, n Notification) error {
	line, err := json.Marshal(n)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("dispatch: open notify file: %w", err)
	}
	_, werr := file.Write(append(line, '\n'))
	return errors.Join(werr, file.Close())
}

// ReadNotifications decodes every notification in a FileNotifier file.
func ReadNotifications(path string) ([]Notification, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Notification
	dec := json.NewDecoder(f)
	for dec.More() {
		var n Notification
		if err := dec.Decode(&n); err != nil {
			return out, err
		}
		out = append(out, n)
	}
	return out, nil
}
