package message

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// LogSink mirrors messages into a zerolog logger.
type LogSink struct {
	Logger     zerolog.Logger
	Command    string
	Invocation string
}

func (s LogSink) Write(m Message) error {
	var event *zerolog.Event
	switch {
	case m.Type == TypeError:
		event = s.Logger.Error().Strs("traceback", m.Traceback)
	case m.Type == TypeWarning:
		event = s.Logger.Warn()
	case m.System:
		event = s.Logger.Debug()
	default:
		event = s.Logger.Info()
	}
	event = event.
		Str("command", s.Command).
		Str("invocation", s.Invocation).
		Str("type", string(m.Type))
	if m.Name != "" {
		event = event.Str("name", m.Name)
	}
	if m.IsStatus() {
		event = event.Bool("success", m.Success)
	}
	event.Msg(m.Text)
	return nil
}

// FileSink appends rendered messages as zstd-compressed JSON lines.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	command string
	key     string
}

type fileRecord struct {
	Time       time.Time      `json:"time"`
	Command    string         `json:"command"`
	Invocation string         `json:"invocation"`
	Message    map[string]any `json:"message"`
}

// OpenFileSink opens (or appends to) path. Each sink writes one zstd frame.
func OpenFileSink(path, command, key string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("message: open log sink %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("message: zstd writer: %w", err)
	}
	return &FileSink{file: f, encoder: enc, command: command, key: key}, nil
}

func (s *FileSink) Write(m Message) error {
	line, err := json.Marshal(fileRecord{
		Time:       time.Now().UTC(),
		Command:    s.command,
		Invocation: s.key,
		Message:    m.Render(),
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder == nil {
		return os.ErrClosed
	}
	if _, err := s.encoder.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Close flushes the compressed frame and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder == nil {
		return nil
	}
	encErr := s.encoder.Close()
	s.encoder = nil
	fileErr := s.file.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}

// ReadFileSink decodes every record written to path.
func ReadFileSink(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Message
	jd := json.NewDecoder(dec)
	for jd.More() {
		var rec fileRecord
		if err := jd.Decode(&rec); err != nil {
			return out, err
		}
		m, err := FromMap(rec.Message)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
