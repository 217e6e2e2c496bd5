// Package server exposes the SQL frontend over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/TFMV/driftlake/auth"
	"github.com/TFMV/driftlake/catalog"
	"github.com/TFMV/driftlake/mutation"
	"github.com/TFMV/driftlake/plan"
	"github.com/TFMV/driftlake/timetravel"
)

// Server handles SQL-over-HTTP requests
type Server struct {
	app      *fiber.App
	resolver *timetravel.Resolver
	mutation *mutation.Engine
	policy   auth.AccessPolicy
}

// QueryRequest is the body of POST /q
type QueryRequest struct {
	Query string `json:"query"`
}

// NewServer creates the HTTP frontend
func NewServer(resolver *timetravel.Resolver, mut *mutation.Engine, policy auth.AccessPolicy) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Driftlake",
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Minute,
		WriteTimeout:          5 * time.Minute,
		BodyLimit:             16 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal Server Error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{
				"error": message,
				"code":  code,
			})
		},
	})
	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))

	s := &Server{
		app:      app,
		resolver: resolver,
		mutation: mut,
		policy:   policy,
	}

	app.Get("/healthz", s.health)
	app.Post("/q", s.handleQuery)
	return s
}

// Listen serves requests on the given address until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// bearerToken extracts the token from the Authorization header, empty when
// absent.
func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func (s *Server) handleQuery(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "request body must be JSON with a query field")
	}
	if strings.TrimSpace(req.Query) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "query cannot be empty")
	}

	// The principal is derived once per request; each statement then
	// checks its own action against it.
	principal, err := auth.DerivePrincipal(bearerToken(c), s.policy)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	stmt, err := plan.Parse(req.Query)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	action := auth.Write
	if stmt.Type() == plan.QueryStatementType {
		action = auth.Read
	}
	if !auth.CanPerformAction(principal, action, s.policy) {
		return fiber.NewError(fiber.StatusForbidden,
			fmt.Sprintf("action %s not allowed", action))
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	if query, ok := stmt.(*plan.QueryStatement); ok {
		result, err := s.resolver.ExecuteQuery(ctx, query)
		if err != nil {
			return statementError(err)
		}
		rows := make([]fiber.Map, len(result.Rows))
		for i, row := range result.Rows {
			obj := make(fiber.Map, len(result.Columns))
			for j, col := range result.Columns {
				obj[col] = row[j]
			}
			rows[i] = obj
		}
		return c.JSON(rows)
	}

	result, err := s.mutation.Execute(ctx, stmt)
	if err != nil {
		return statementError(err)
	}
	return c.JSON(fiber.Map{
		"table":         fmt.Sprintf("%s.%s", result.Schema, result.Table),
		"version":       result.Version,
		"rows_affected": result.RowsAffected,
	})
}

// statementError maps execution errors onto HTTP status codes.
func statementError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrNoSuchTable),
		errors.Is(err, catalog.ErrNoSuchVersion),
		errors.Is(err, catalog.ErrTableAlreadyExists):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrConcurrentModification):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
