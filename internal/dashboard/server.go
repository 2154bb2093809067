// Package dashboard serves a JSON view of the history store and recent run
// statistics, and lets an operator edit the non-secret settings. Every route
// except the health check requires HTTP basic auth.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/spiffcs/stalebot/config"
	"github.com/spiffcs/stalebot/internal/duration"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/stats"
)

// Error codes returned in ErrorResponse.
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInternal     = "INTERNAL"
)

const (
	defaultRuns = 10
	realm       = "stalebot"
)

// History is the subset of the history store the dashboard reads.
type History interface {
	Counts(ctx context.Context) (history.Counts, error)
	ListNotifications(ctx context.Context, since time.Time) ([]history.NotificationRecord, error)
	ListArchives(ctx context.Context, since time.Time) ([]history.ArchiveRecord, error)
}

// Runs is the subset of the stats store the dashboard reads.
type Runs interface {
	Recent(n int) []stats.Snapshot
}

// ConfigEditor reads and updates the configuration file.
type ConfigEditor interface {
	Redacted() *config.Config
	Apply(u config.Update) (map[string]any, error)
}

// UpdateResponse is returned by PUT /api/config.
type UpdateResponse struct {
	Message string         `json:"message"`
	Changes map[string]any `json:"changes"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	History history.Counts  `json:"history"`
	Latest  *stats.Snapshot `json:"latest,omitempty"`
}

// Server is the dashboard HTTP server.
type Server struct {
	echo    *echo.Echo
	history History
	runs    Runs
	editor  ConfigEditor
	now     func() time.Time

	username, password string
}

// Option configures a Server.
type Option func(*Server)

// WithConfigEditor serves the redacted config at GET /api/config and
// accepts updates at PUT /api/config.
func WithConfigEditor(ed ConfigEditor) Option {
	return func(s *Server) { s.editor = ed }
}

// WithBasicAuth requires the given credentials on every route except
// /api/health.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) { s.username, s.password = username, password }
}

// WithClock overrides the clock used to resolve ?since= windows.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds a server with its routes registered.
func New(h History, runs Runs, opts ...Option) *Server {
	s := &Server{
		echo:    echo.New(),
		history: h,
		runs:    runs,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				log.Error("request failed", "method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
				return nil
			}
			log.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if s.password != "" {
		e.Use(middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
			Skipper:   func(c echo.Context) bool { return c.Path() == "/api/health" },
			Validator: s.checkAuth,
			Realm:     realm,
		}))
	}
	e.HTTPErrorHandler = s.handleError

	api := e.Group("/api")
	api.GET("/health", s.health)
	api.GET("/stats", s.stats)
	api.GET("/runs", s.listRuns)
	api.GET("/notifications", s.listNotifications)
	api.GET("/archives", s.listArchives)
	api.GET("/config", s.showConfig)
	api.PUT("/config", s.updateConfig)
	return s
}

func (s *Server) checkAuth(username, password string, _ echo.Context) (bool, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	return userOK && passOK, nil
}

// handleError writes echo's own errors, such as a failed basic auth or an
// unknown route, in the ErrorResponse envelope.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = http.StatusText(code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
	}
	errCode := ErrCodeInternal
	switch {
	case code == http.StatusUnauthorized:
		errCode = ErrCodeUnauthorized
		msg = "authentication required"
	case code == http.StatusNotFound:
		errCode = ErrCodeNotFound
	case code < http.StatusInternalServerError:
		errCode = ErrCodeBadRequest
	}
	if err := c.JSON(code, newErrorResponse(errCode, msg)); err != nil {
		log.Debug("failed to write error response", "error", err)
	}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("dashboard listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down dashboard")
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(c echo.Context) error {
	counts, err := s.history.Counts(c.Request().Context())
	if err != nil {
		return s.internal(c, "failed to count history", err)
	}
	resp := StatsResponse{History: counts}
	if recent := s.runs.Recent(1); len(recent) == 1 {
		resp.Latest = &recent[0]
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listRuns(c echo.Context) error {
	n := defaultRuns
	if raw := c.QueryParam("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "n must be a positive integer"))
		}
		n = v
	}
	runs := s.runs.Recent(n)
	if runs == nil {
		runs = []stats.Snapshot{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) listNotifications(c echo.Context) error {
	since, ok, err := s.since(c)
	if !ok {
		return err
	}
	recs, err := s.history.ListNotifications(c.Request().Context(), since)
	if err != nil {
		return s.internal(c, "failed to list notifications", err)
	}
	if recs == nil {
		recs = []history.NotificationRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"notifications": recs})
}

func (s *Server) listArchives(c echo.Context) error {
	since, ok, err := s.since(c)
	if !ok {
		return err
	}
	recs, err := s.history.ListArchives(c.Request().Context(), since)
	if err != nil {
		return s.internal(c, "failed to list archives", err)
	}
	if recs == nil {
		recs = []history.ArchiveRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"archives": recs})
}

func (s *Server) showConfig(c echo.Context) error {
	if s.editor == nil {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	return c.JSON(http.StatusOK, s.editor.Redacted())
}

func (s *Server) updateConfig(c echo.Context) error {
	if s.editor == nil {
		return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "configuration editing is not enabled"))
	}
	if ct := c.Request().Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "Content-Type must be application/json"))
	}

	var u config.Update
	if err := json.NewDecoder(c.Request().Body).Decode(&u); err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, "invalid request body: "+err.Error()))
	}
	changes, err := s.editor.Apply(u)
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, strings.Join(verr.Problems, "; ")))
	case err != nil:
		return s.internal(c, "failed to save configuration", err)
	case len(changes) == 0:
		return c.JSON(http.StatusOK, UpdateResponse{Message: "No changes to apply", Changes: map[string]any{}})
	}
	log.Info("configuration updated", "changes", len(changes))
	return c.JSON(http.StatusOK, UpdateResponse{Message: "Configuration updated", Changes: changes})
}

// since parses ?since=. When ok is false the error response has already
// been written and err is what the handler should return.
func (s *Server) since(c echo.Context) (time.Time, bool, error) {
	t, err := duration.Since(c.QueryParam("since"), s.now())
	if err != nil {
		return time.Time{}, false, c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeBadRequest, err.Error()))
	}
	return t, true, nil
}

func (s *Server) internal(c echo.Context, msg string, err error) error {
	log.Error(msg, "error", err)
	return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, msg))
}
