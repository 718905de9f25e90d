package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zimagi/zimagi-sub000/internal/auth"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/observability"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/schema"
)

const version = "0.1.0"

// Executor starts a command and returns its message channel. The channel is
// closed after the terminal Status message.
type Executor interface {
	Stream(ctx context.Context, name string, opts registry.Options, parent *message.Channel) (*message.Channel, string, error)
}

type ServerConfig struct {
	Name        string
	Registry    *registry.Registry
	Executor    Executor
	Cipher      Cipher
	Auth        auth.Validator
	CORSOrigins []string
	Logger      *zerolog.Logger
}

// Server is the HTTP command API.
type Server struct {
	name     string
	registry *registry.Registry
	exec     Executor
	cipher   Cipher
	auth     auth.Validator
	logger   zerolog.Logger
	router   *gin.Engine
	started  time.Time
}

func NewServer(cfg ServerConfig) *Server {
	observability.RegisterMetrics()
	s := &Server{
		name:     cfg.Name,
		registry: cfg.Registry,
		exec:     cfg.Executor,
		cipher:   cfg.Cipher,
		auth:     cfg.Auth,
		logger:   log.Logger,
		started:  time.Now(),
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	if s.name == "" {
		s.name = "zimagi"
	}
	if s.cipher == nil {
		s.cipher = NullCipher{}
	}
	if s.auth == nil {
		s.auth = auth.AllowAll{}
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(observability.Recoverer(s.logger))
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware(s.name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	return s.serve(ctx, addr, func(srv *http.Server) error { return srv.ListenAndServe() })
}

// RunTLS is Run over HTTPS with PEM certificate and key files.
func (s *Server) RunTLS(ctx context.Context, addr, certFile, keyFile string) error {
	return s.serve(ctx, addr, func(srv *http.Server) error { return srv.ListenAndServeTLS(certFile, keyFile) })
}

func (s *Server) serve(ctx context.Context, addr string, listen func(*http.Server) error) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("server_listening")
		errCh <- listen(srv)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.logger.Info().Str("addr", addr).Msg("server_stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    s.registry != nil && s.exec != nil,
			"uptime":   time.Since(s.started).String(),
			"service":  s.name,
			"commands": len(s.apiCommands()),
			"version":  version,
		})
	})

	s.router.GET("/commands", s.authorized(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"commands": s.apiCommands()})
	}))

	s.router.GET("/schema/*path", s.authorized(func(c *gin.Context) {
		action, ok := s.lookup(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, action.Schema())
	}))

	s.router.POST("/*path", s.authorized(s.handleCommand))
}

// authorized checks "Token <user> <encrypted-token>" before h.
func (s *Server) authorized(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.auth.(auth.AllowAll); !ok {
			user, enc, err := auth.ParseHeader(c.GetHeader("Authorization"))
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			token, err := s.cipher.Decrypt(enc)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
				return
			}
			if err := s.auth.Validate(user, string(token)); err != nil {
				s.logger.Warn().Str("user", user).Msg("auth_rejected")
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.Set("user", user)
		}
		h(c)
	}
}

func (s *Server) lookup(c *gin.Context) (*registry.Action, bool) {
	name := strings.Join(registry.SplitName(c.Param("path")), " ")
	action, err := s.registry.Resolve(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "command not found", "command": name})
		return nil, false
	}
	if !action.Spec().APIEnabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "command not available over the API", "command": name})
		return nil, false
	}
	return action, true
}

func (s *Server) handleCommand(c *gin.Context) {
	action, ok := s.lookup(c)
	if !ok {
		return
	}
	params := map[string]any{}
	if raw := c.PostForm("params"); raw != "" {
		if err := decryptJSON(s.cipher, raw, &params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params", "command": action.Name()})
			return
		}
	}
	sch := action.Schema()
	if err := sch.Validate(params); err != nil {
		c.JSON(http.StatusBadRequest, validationBody(action.Name(), err))
		return
	}

	// The command outlives a disconnected caller; only reading stops.
	runCtx := context.WithoutCancel(c.Request.Context())
	ch, key, err := s.exec.Stream(runCtx, action.Name(), registry.Options(params), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, validationBody(action.Name(), err))
		return
	}

	c.Header("Content-Type", ContentTypeStream)
	c.Header("X-Command-Key", key)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	reqCtx := c.Request.Context()
	for {
		m, more, err := ch.Next(reqCtx)
		if err != nil {
			s.logger.Info().Str("command", action.Name()).Str("key", key).Msg("stream_client_gone")
			return
		}
		if !more {
			return
		}
		line, err := EncodePacket(s.cipher, m)
		if err != nil {
			s.logger.Error().Err(err).Str("command", action.Name()).Msg("packet_encode_failed")
			continue
		}
		if _, err := c.Writer.Write(append(line, '\n')); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) apiCommands() []string {
	if s.registry == nil {
		return nil
	}
	var out []string
	for _, a := range s.registry.Actions() {
		if a.Spec().APIEnabled {
			out = append(out, a.Name())
		}
	}
	return out
}

func validationBody(command string, err error) gin.H {
	body := gin.H{"error": err.Error(), "command": command}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		body["missing"] = verr.Missing
		body["unknown"] = verr.Unknown
		body["invalid"] = verr.Invalid
	}
	return body
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
