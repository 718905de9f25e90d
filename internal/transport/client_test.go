package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/schema"
	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
)

// flakyServer drops the first `drops` connections, then streams msgs.
func flakyServer(t *testing.T, c Cipher, drops int32, msgs ...message.Message) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= drops {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", ContentTypeStream)
		w.WriteHeader(http.StatusOK)
		for _, m := range msgs {
			line, err := EncodePacket(c, m)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			_, _ = w.Write(append(line, '\n'))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRetryAfterDroppedConnections(t *testing.T) {
	testlog.Start(t)
	c := NewCipher("k")
	srv, hits := flakyServer(t, c, 2, message.Info("x"), message.Status(true))
	client := NewClient(ClientConfig{BaseURL: srv.URL, Cipher: c, Tries: 3, Wait: time.Second})

	start := time.Now()
	resp, err := client.Execute(context.Background(), "demo run", map[string]any{}, nil, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, int32(3), hits.Load())
	assert.False(t, resp.Aborted)
	out := resp.Output()
	require.Len(t, out, 1)
	assert.Equal(t, message.TypeInfo, out[0].Type)
	assert.Equal(t, "x", out[0].Text)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}

func TestRetriedStreamSkipsDeliveredPackets(t *testing.T) {
	testlog.Start(t)
	c := NewCipher("k")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msgs := []message.Message{message.Info("a"), message.Info("b"), message.Status(true)}
		cut := hits.Add(1) == 1
		if cut {
			msgs = msgs[:1]
		}
		w.Header().Set("Content-Type", ContentTypeStream)
		w.WriteHeader(http.StatusOK)
		for _, m := range msgs {
			line, err := EncodePacket(c, m)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			_, _ = w.Write(append(line, '\n'))
			w.(http.Flusher).Flush()
		}
		if cut {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
		}
	}))
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Cipher: c, Tries: 2, Wait: time.Millisecond})

	var seen []string
	resp, err := client.Execute(context.Background(), "demo run", map[string]any{}, nil, func(m message.Message) error {
		if !m.IsStatus() {
			seen = append(seen, m.Text)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []string{"a", "b"}, seen)
	var texts []string
	for _, m := range resp.Output() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"a", "b"}, texts)
	assert.False(t, resp.Aborted)
}

func TestRetryBoundForDeadConnection(t *testing.T) {
	testlog.Start(t)
	srv, hits := flakyServer(t, NullCipher{}, 1000)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Tries: 3, Wait: 10 * time.Millisecond})

	_, err := client.Execute(context.Background(), "demo", nil, nil, nil)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.True(t, IsConnection(err))
}

func TestSingleAttemptWhenFirstTrySucceeds(t *testing.T) {
	testlog.Start(t)
	srv, hits := flakyServer(t, NullCipher{}, 0, message.Status(true))
	client := NewClient(ClientConfig{BaseURL: srv.URL, Tries: 5, Wait: time.Millisecond})
	resp, err := client.Execute(context.Background(), "demo", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Aborted)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequestErrorIsNotRetried(t *testing.T) {
	testlog.Start(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"missing required b"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{BaseURL: srv.URL, Tries: 3, Wait: time.Millisecond})
	_, err := client.Execute(context.Background(), "demo", nil, nil, nil)
	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusBadRequest, rerr.Status)
	assert.Equal(t, "missing required b", rerr.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestParseErrorBeforeNetwork(t *testing.T) {
	testlog.Start(t)
	srv, hits := flakyServer(t, NullCipher{}, 0, message.Status(true))
	client := NewClient(ClientConfig{BaseURL: srv.URL})
	sch, err := schema.New("demo", []schema.Field{
		{Name: "a", Required: true},
		{Name: "b", Required: true},
		{Name: "c", Type: schema.TypeBool},
	})
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), "demo", map[string]any{"a": "1"}, &sch, nil)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"b"}, perr.Err.Missing)

	_, err = client.Execute(context.Background(), "demo", map[string]any{"a": "1", "b": "2", "d": "3"}, &sch, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"d"}, perr.Err.Unknown)
	assert.Equal(t, int32(0), hits.Load())

	_, err = client.Execute(context.Background(), "demo", map[string]any{"a": "1", "b": "2"}, &sch, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCallbackSeesPacketsInOrder(t *testing.T) {
	testlog.Start(t)
	var msgs []message.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, message.Info(string(rune('a'+i))))
	}
	msgs = append(msgs, message.Status(true))
	srv, _ := flakyServer(t, NewCipher("k"), 0, msgs...)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Cipher: NewCipher("k")})

	var got []string
	_, err := client.Execute(context.Background(), "demo", nil, nil, func(m message.Message) error {
		if !m.IsStatus() {
			got = append(got, m.Text)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, text := range got {
		assert.Equal(t, string(rune('a'+i)), text)
	}
}

func TestStreamWithoutStatusIsAborted(t *testing.T) {
	testlog.Start(t)
	srv, _ := flakyServer(t, NullCipher{}, 0, message.Info("partial"))
	client := NewClient(ClientConfig{BaseURL: srv.URL})
	resp, err := client.Execute(context.Background(), "demo", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.Aborted)
	assert.False(t, resp.Complete())
}

func TestContextCancelStopsRetries(t *testing.T) {
	testlog.Start(t)
	srv, _ := flakyServer(t, NullCipher{}, 1000)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Tries: 10, Wait: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Execute(ctx, "demo", nil, nil, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
