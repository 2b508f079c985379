// Package httpapi exposes the relay over HTTP: a JSON session API and a
// server-sent-events chat stream.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

// Submitter schedules relay turns; *relay.Relay implements it.
type Submitter interface {
	Submit(ctx context.Context, in relay.Inbound) (<-chan relay.Outcome, error)
}

// Registry is the provider registry view the API exposes.
type Registry interface {
	Names() []string
	Default() string
	Stats() provider.Stats
}

// Options configure a Server.
type Options struct {
	Relay     Submitter
	Lanes     commander.Lanes
	Store     store.Store
	Registry  Registry
	Breakers  *control.Breakers
	JWTSecret []byte
	Logger    zerolog.Logger
}

type Server struct {
	opts   Options
	engine *gin.Engine
	logger zerolog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		engine: gin.New(),
		logger: opts.Logger.With().Str("component", "httpapi").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/v1", JWTAuth(opts.JWTSecret))
	v1.GET("/providers", s.providers)
	v1.GET("/session", s.session)
	v1.DELETE("/session", s.clearSession)
	v1.PUT("/session/provider", s.setProvider)
	v1.POST("/chat", s.chat)
	return s
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.opts.Breakers != nil {
		body["circuits"] = s.opts.Breakers.States()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default":   s.opts.Registry.Default(),
		"providers": s.opts.Registry.Names(),
		"stats":     s.opts.Registry.Stats(),
	})
}

type turnView struct {
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	Image     bool      `json:"image,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) session(c *gin.Context) {
	sess, err := s.opts.Store.Get(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		s.internalError(c, "load session", err)
		return
	}
	turns := make([]turnView, 0, len(sess.History))
	for _, t := range sess.History {
		turns = append(turns, turnView{Role: t.Role, Content: t.Content, Image: t.Image != nil, Provider: t.Provider, Timestamp: t.Timestamp})
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":  sess.UserID,
		"provider": sess.Provider,
		"history":  turns,
		"rendered": commander.RenderHistory(sess.History),
	})
}

func (s *Server) clearSession(c *gin.Context) {
	userID := c.GetString(userIDKey)
	err := commander.Serial(c.Request.Context(), s.opts.Lanes, userID, func(ctx context.Context) error {
		return s.opts.Store.ClearHistory(ctx, userID)
	})
	if err != nil {
		s.internalError(c, "clear history", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setProvider(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	userID := c.GetString(userIDKey)
	err := commander.Serial(c.Request.Context(), s.opts.Lanes, userID, func(ctx context.Context) error {
		return s.opts.Store.SetProvider(ctx, userID, req.Provider)
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"provider": req.Provider})
	case chat.KindOf(err) == chat.KindUnknownProvider:
		c.JSON(http.StatusBadRequest, gin.H{"error": relay.MsgUnknownProvider, "providers": s.opts.Registry.Names()})
	default:
		s.internalError(c, "set provider", err)
	}
}

type chatRequest struct {
	Message     string `json:"message"`
	ImageBase64 string `json:"image_base64"`
	ImageMIME   string `json:"image_mime"`
}

// chat streams one relay turn as server-sent events.
func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && req.ImageBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message or image required"})
		return
	}
	userID := c.GetString(userIDKey)
	in := relay.Inbound{UserID: userID, ChatID: userID, Text: req.Message, ReceivedAt: time.Now()}
	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is not valid base64"})
			return
		}
		mime := req.ImageMIME
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		in.Image = &chat.Image{MIMEType: mime, Data: data}
		if in.Text == "" {
			in.Text = "What's in this image?"
		}
	}

	fe := newSSEFrontEnd(c)
	in.FrontEnd = fe
	ctx := c.Request.Context()
	done, err := s.opts.Relay.Submit(ctx, in)
	if err != nil {
		_ = fe.emit("http.chat", EventError, gin.H{"kind": "busy", "message": err.Error()})
		return
	}
	// The relay writes through c until it finishes, including after a
	// disconnect, so the handler must not return before it does.
	out := <-done
	s.logger.Debug().Str("user_id", userID).Str("relay_id", out.RelayID).Str("phase", string(out.Phase)).Msg("chat finished")
}

func (s *Server) internalError(c *gin.Context, what string, err error) {
	s.logger.Error().Err(err).Str("op", what).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": what + " failed"})
}
