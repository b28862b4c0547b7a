package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/verisimdb/verisimdb/pkg/breaker"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Admin exposes the operator surface the CLI drives. nil disables the
// admin routes.
type Admin interface {
	StoreStats() []breaker.Stats
	FederationStatus() (any, error)
	InspectHexad(ctx context.Context, id string) (any, error)
	RepairDrift(ctx context.Context, id string) error
	RebuildIndex(ctx context.Context) error
	State() (*registry.State, error)
	Restore(st *registry.State) error
	Snapshot() error
}

// mountAdmin wires the operator routes.
func (s *Server) mountAdmin(admin Admin) {
	if admin == nil {
		return
	}

	g := s.echo.Group("/v1/admin")
	g.GET("/stores", func(c echo.Context) error {
		return c.JSON(http.StatusOK, admin.StoreStats())
	})
	g.GET("/federation", func(c echo.Context) error {
		st, err := admin.FederationStatus()
		if err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, st)
	})
	g.GET("/hexad/:id", func(c echo.Context) error {
		out, err := admin.InspectHexad(c.Request().Context(), c.Param("id"))
		if err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, out)
	})
	g.POST("/repair/:id", func(c echo.Context) error {
		if err := admin.RepairDrift(c.Request().Context(), c.Param("id")); err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "repaired"})
	})
	g.POST("/rebuild", func(c echo.Context) error {
		if err := admin.RebuildIndex(c.Request().Context()); err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "rebuilt"})
	})
	g.GET("/state", func(c echo.Context) error {
		st, err := admin.State()
		if err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, st)
	})
	g.POST("/restore", func(c echo.Context) error {
		var st registry.State
		if err := c.Bind(&st); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(verr.Parse(verr.CodeSyntax, "malformed state body")))
		}
		if err := admin.Restore(&st); err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "restored"})
	})
	g.POST("/snapshot", func(c echo.Context) error {
		if err := admin.Snapshot(); err != nil {
			return c.JSON(statusFor(err), errorBody(err))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "snapshotted"})
	})
}
