// Package server contains the HTTP surface of the orchestrator.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/casekit/caseflow/approval"
	"github.com/casekit/caseflow/payload"
	"github.com/casekit/caseflow/storage"
	"github.com/casekit/caseflow/workflow"
)

// Server holds the dependencies for the API server.
type Server struct {
	engine *workflow.Engine
}

// NewServer creates a new Server.
func NewServer(engine *workflow.Engine) *Server {
	return &Server{engine: engine}
}

// Register mounts the API routes on an Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.Health)
	api := e.Group("/api/v1")
	api.POST("/requests", s.SubmitRequest)
	api.POST("/approvals/:id/decision", s.ApprovalDecision)
	api.GET("/instances/:correlationId", s.GetInstance)
	api.GET("/instances/:correlationId/audit", s.GetAuditTrail)
	api.POST("/instances/:correlationId/cancel", s.CancelInstance)
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitRequest admits an inbound extraction payload. Fresh requests
// are acknowledged with 202 and run asynchronously; retried requests
// replay the recorded outcome without re-running side effects.
// (POST /api/v1/requests)
func (s *Server) SubmitRequest(c echo.Context) error {
	ctx := c.Request().Context()

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body: "+err.Error())
	}

	result, inst, err := s.engine.Accept(ctx, raw)
	if err != nil {
		var verr *payload.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, verr)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if inst != nil {
		// The workflow is asynchronous: the caller polls or subscribes
		// for the terminal outcome.
		go func() {
			_ = s.engine.Run(context.Background(), inst)
		}()
		return c.JSON(http.StatusAccepted, result)
	}

	switch result.Status {
	case workflow.SubmitReplayed:
		return c.JSON(http.StatusOK, result)
	default:
		return c.JSON(http.StatusAccepted, result)
	}
}

type decisionRequest struct {
	Decision   string `json:"decision"`
	ApproverID string `json:"approverId"`
}

// ApprovalDecision applies a human decision callback to an open
// approval request. Duplicate callbacks replay the recorded decision;
// late callbacks are rejected with 410.
// (POST /api/v1/approvals/:id/decision)
func (s *Server) ApprovalDecision(c echo.Context) error {
	ctx := c.Request().Context()

	var body decisionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	decision, err := approval.ParseDecision(body.Decision)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req, err := s.engine.HandleApproval(ctx, c.Param("id"), decision, body.ApproverID)
	switch {
	case errors.Is(err, storage.ErrApprovalNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, req)
	case errors.Is(err, workflow.ErrNotAwaitingApproval):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, req)
}

// GetInstance returns an instance's current state and outcome.
// (GET /api/v1/instances/:correlationId)
func (s *Server) GetInstance(c echo.Context) error {
	ctx := c.Request().Context()

	inst, err := s.engine.GetInstance(ctx, c.Param("correlationId"))
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"correlationId": inst.CorrelationID,
		"state":         inst.State,
		"outcome":       inst.Outcome(),
	})
}

// GetAuditTrail returns an instance's ordered audit entries.
// (GET /api/v1/instances/:correlationId/audit)
func (s *Server) GetAuditTrail(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("correlationId")
	if _, err := s.engine.GetInstance(ctx, id); errors.Is(err, storage.ErrInstanceNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	entries, err := s.engine.GetAuditTrail(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelInstance cancels a non-terminal instance. Cancellation while
// the terminal action is in flight is refused with 409.
// (POST /api/v1/instances/:correlationId/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	ctx := c.Request().Context()

	var body cancelRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	err := s.engine.Cancel(ctx, c.Param("correlationId"), body.Reason)
	switch {
	case errors.Is(err, storage.ErrInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrCancelExecuting), errors.Is(err, workflow.ErrInstanceTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
