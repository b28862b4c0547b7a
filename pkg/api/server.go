package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/metrics"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// shutdownGrace bounds graceful shutdown on context cancellation.
const shutdownGrace = 10 * time.Second

// QueryRunner executes VQL statements; the engine implements it.
type QueryRunner interface {
	Query(ctx context.Context, input string) (*types.QueryResult, error)
	FetchAll(ctx context.Context, required []types.Modality) ([]*types.Hexad, error)
}

// Registrar authorises federation registration; nil disables the endpoint.
type Registrar interface {
	Register(peer *types.Peer, key string) error
}

// Server is the HTTP surface: the query endpoint, the peer RPC endpoints
// used by federation fan-out, health and metrics.
type Server struct {
	echo      *echo.Echo
	runner    QueryRunner
	registrar Registrar

	addr       string
	enableIPv4 bool
}

// Options configures the server.
type Options struct {
	Addr       string
	EnableIPv4 bool // default off: IPv6-only bind
	Runner     QueryRunner
	Registrar  Registrar
	Admin      Admin
}

// New creates the server and mounts its routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		runner:     opts.Runner,
		registrar:  opts.Registrar,
		addr:       opts.Addr,
		enableIPv4: opts.EnableIPv4,
	}

	e.POST("/v1/query", s.handleQuery)
	e.POST("/v1/peer/hexads", s.handlePeerHexads)
	e.POST("/v1/peer/register", s.handlePeerRegister)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	s.mountAdmin(opts.Admin)

	return s
}

// Start listens and serves until the context is cancelled. Without the
// IPv4 toggle the listener accepts IPv6 only.
func (s *Server) Start(ctx context.Context) error {
	network := "tcp6"
	if s.enableIPv4 {
		network = "tcp"
	}
	ln, err := net.Listen(network, s.addr)
	if err != nil {
		return err
	}
	s.echo.Listener = ln

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.echo.Shutdown(sctx); err != nil {
			log.WithComponent("api").Warn().Err(err).Msg("shutdown failed")
		}
	}()

	log.WithComponent("api").Info().Str("addr", ln.Addr().String()).Msg("serving")
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.echo.Listener == nil {
		return ""
	}
	return s.echo.Listener.Addr().String()
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(verr.Parse(verr.CodeSyntax, "malformed request body")))
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, errorBody(verr.Parse(verr.CodeSyntax, "empty query")))
	}

	result, err := s.runner.Query(c.Request().Context(), req.Query)
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, result)
}

type peerHexadsRequest struct {
	Modalities []types.Modality `json:"modalities"`
}

func (s *Server) handlePeerHexads(c echo.Context) error {
	var req peerHexadsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(verr.Parse(verr.CodeSyntax, "malformed request body")))
	}

	hexads, err := s.runner.FetchAll(c.Request().Context(), req.Modalities)
	if err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"hexads": hexads})
}

type peerRegisterRequest struct {
	Peer *types.Peer `json:"peer"`
	Key  string      `json:"key"`
}

func (s *Server) handlePeerRegister(c echo.Context) error {
	if s.registrar == nil {
		return c.JSON(http.StatusForbidden, errorBody(
			verr.Runtime(verr.CodePermissionDenied, "federation registration is disabled")))
	}

	var req peerRegisterRequest
	if err := c.Bind(&req); err != nil || req.Peer == nil {
		return c.JSON(http.StatusBadRequest, errorBody(verr.Parse(verr.CodeSyntax, "malformed request body")))
	}
	if err := s.registrar.Register(req.Peer, req.Key); err != nil {
		return c.JSON(statusFor(err), errorBody(err))
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	var e *verr.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case verr.KindParse:
		return http.StatusBadRequest
	case verr.KindType:
		return http.StatusUnprocessableEntity
	case verr.KindRuntime:
		switch e.Code {
		case verr.CodePermissionDenied:
			return http.StatusForbidden
		case verr.CodeInvalidID:
			return http.StatusNotFound
		case verr.CodeQueryTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusServiceUnavailable
		}
	case verr.KindFederation:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var e *verr.Error
	if errors.As(err, &e) {
		body["kind"] = e.Kind
		body["code"] = e.Code
		if e.Hint != "" {
			body["hint"] = e.Hint
		}
		body["recoverable"] = e.Recoverable
	}
	return body
}
