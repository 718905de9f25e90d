package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/auth"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/observability"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/schema"
)

const (
	ContentTypeStream = "application/x-ndjson"
	ContentTypeJSON   = "application/json"

	maxPacketSize = 16 << 20
)

// Callback receives each decoded packet as it arrives. Returning an error
// stops reading the stream.
type Callback func(m message.Message) error

// ClientConfig describes one remote command server.
type ClientConfig struct {
	BaseURL    string
	User       string
	Token      string
	Cipher     Cipher
	Tries      int
	Wait       time.Duration
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// RequestOptions override the client's retry policy for one call. Validate,
// when set, runs against params before any network activity.
type RequestOptions struct {
	Tries    int
	Wait     time.Duration
	Validate func(params map[string]any) error
}

type Client struct {
	base   string
	user   string
	token  string
	cipher Cipher
	tries  int
	wait   time.Duration
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		base:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		user:   cfg.User,
		token:  cfg.Token,
		cipher: cfg.Cipher,
		tries:  cfg.Tries,
		wait:   cfg.Wait,
		http:   cfg.HTTPClient,
		logger: log.Logger,
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	}
	if c.cipher == nil {
		c.cipher = NullCipher{}
	}
	if c.tries <= 0 {
		c.tries = 1
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

func (c *Client) BaseURL() string { return c.base }

// NewHTTPClient returns an HTTP client with timeout. When caFile is set the
// client also trusts the PEM certificates it contains.
func NewHTTPClient(caFile string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if caFile == "" {
		return client, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("transport: read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: no certificates in %s", caFile)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	client.Transport = tr
	return client, nil
}

// Execute validates params against sch (when non-nil), posts the command, and
// aggregates the streamed packets. Callback sees each packet after it is
// added to the response. A failing command is reported through
// Response.Aborted, not as an error.
func (c *Client) Execute(ctx context.Context, command string, params map[string]any, sch *schema.Schema, cb Callback) (*message.Response, error) {
	resp := message.NewResponse(command)
	ro := RequestOptions{}
	if sch != nil {
		ro.Validate = sch.Validate
	}
	_, err := c.Request(ctx, http.MethodPost, commandPath(command), params, ro, func(m message.Message) error {
		if err := resp.Collect(m); err != nil || cb == nil {
			return err
		}
		return cb(m)
	})
	return resp, err
}

// Schema fetches the server's schema for command.
func (c *Client) Schema(ctx context.Context, command string) (schema.Schema, error) {
	body, err := c.Request(ctx, http.MethodGet, "/schema"+commandPath(command), nil, RequestOptions{}, nil)
	if err != nil {
		return schema.Schema{}, err
	}
	var out schema.Schema
	if err := json.Unmarshal(body, &out); err != nil {
		return schema.Schema{}, fmt.Errorf("transport: decode schema: %w", err)
	}
	return out, nil
}

// Commands lists api-enabled command names on the server.
func (c *Client) Commands(ctx context.Context) ([]string, error) {
	body, err := c.Request(ctx, http.MethodGet, "/commands", nil, RequestOptions{}, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("transport: decode commands: %w", err)
	}
	return out.Commands, nil
}

// Request issues one logical request. Connection failures re-issue the whole
// request up to tries times with a fixed wait. A streamed response is handed
// to cb packet by packet and returns a nil body; a JSON response returns its
// raw body. A re-issued stream resumes after the packets cb already received,
// so each packet reaches cb once.
func (c *Client) Request(ctx context.Context, method, path string, params map[string]any, ro RequestOptions, cb Callback) ([]byte, error) {
	if ro.Validate != nil {
		if err := ro.Validate(params); err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return nil, &ParseError{Command: verr.Command, Err: verr}
			}
			return nil, err
		}
	}
	tries, wait := c.tries, c.wait
	if ro.Tries > 0 {
		tries = ro.Tries
	}
	if ro.Wait > 0 {
		wait = ro.Wait
	}
	target := c.base + path

	var lastErr error
	delivered := 0
	for attempt := 1; attempt <= tries; attempt++ {
		body, err := c.attempt(ctx, method, target, params, resume(cb, &delivered))
		if err == nil {
			observability.RecordTransportAttempt(method, "ok")
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			observability.RecordTransportAttempt(method, "request_error")
			return nil, err
		}
		observability.RecordTransportAttempt(method, "connection_error")
		cerr.Attempts = attempt
		lastErr = cerr
		if attempt == tries {
			break
		}
		c.logger.Warn().
			Str("method", method).
			Str("url", target).
			Int("attempt", attempt).
			Int("tries", tries).
			Dur("wait", wait).
			Err(cerr.Err).
			Msg("transport_retry")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	c.logger.Error().Str("method", method).Str("url", target).Err(lastErr).Msg("transport_failed")
	return nil, lastErr
}

// resume wraps cb for one attempt, dropping the first *delivered packets of
// the stream and counting the ones it passes on.
func resume(cb Callback, delivered *int) Callback {
	if cb == nil {
		return nil
	}
	seen := 0
	return func(m message.Message) error {
		seen++
		if seen <= *delivered {
			return nil
		}
		*delivered++
		return cb(m)
	}
}

func (c *Client) attempt(ctx context.Context, method, target string, params map[string]any, cb Callback) ([]byte, error) {
	req, err := c.newRequest(ctx, method, target, params)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectionError{Method: method, URL: target, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, decodeRequestError(res)
	}
	mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if mediaType != ContentTypeStream {
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, &ConnectionError{Method: method, URL: target, Err: err}
		}
		return body, nil
	}
	return nil, c.readStream(res.Body, method, target, cb)
}

func (c *Client) newRequest(ctx context.Context, method, target string, params map[string]any) (*http.Request, error) {
	var body io.Reader
	if method != http.MethodGet && params != nil {
		enc, err := encryptJSON(c.cipher, params)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(url.Values{"params": {enc}}.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", ContentTypeStream+", "+ContentTypeJSON)
	if c.user != "" {
		token, err := c.cipher.Encrypt([]byte(c.token))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", auth.FormatHeader(c.user, token))
	}
	return req, nil
}

// readStream decodes one packet per line until the server closes the stream
// or sends the terminal Status.
func (c *Client) readStream(body io.Reader, method, target string, cb Callback) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxPacketSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		m, err := DecodePacket(c.cipher, line)
		if err != nil {
			return err
		}
		if cb != nil {
			if err := cb(m); err != nil {
				return err
			}
		}
		if m.IsStatus() {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return &ConnectionError{Method: method, URL: target, Err: err}
	}
	return nil
}

func decodeRequestError(res *http.Response) error {
	rerr := &RequestError{Status: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil || len(raw) == 0 {
		return rerr
	}
	var body map[string]any
	if json.Unmarshal(raw, &body) == nil {
		rerr.Body = body
		if msg, ok := body["error"].(string); ok && msg != "" {
			rerr.Message = msg
		}
		return rerr
	}
	rerr.Message = strings.TrimSpace(string(raw))
	return rerr
}

func commandPath(command string) string {
	return "/" + strings.Join(registry.SplitName(command), "/")
}
