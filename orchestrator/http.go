package orchestrator

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/izavyalov-dev/kubeprov/catalog"
	"github.com/izavyalov-dev/kubeprov/internal/observability"
	"github.com/izavyalov-dev/kubeprov/protocol"
	"github.com/izavyalov-dev/kubeprov/state"
)

// NewHTTPApp wires the install endpoints, the read API, health and metrics.
func NewHTTPApp(service *Service, logger *slog.Logger, gatherer prometheus.Gatherer) *fiber.App {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}
	h := &httpHandlers{service: service, logger: logger}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          h.handleFiberError,
	})
	app.Use(fiberrecover.New())
	app.Use(requestid.New())
	app.Use(h.logRequests)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(protocol.HealthResponse{Status: "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(observability.MetricsHandler(gatherer)))

	api := app.Group("/api/install")
	for _, spec := range catalog.All() {
		api.Post("/"+spec.Endpoint, h.invoke(spec.Endpoint))
	}
	api.Post("/:endpoint", func(c *fiber.Ctx) error {
		return h.invoke(c.Params("endpoint"))(c)
	})
	api.Get("/actions", h.actions)
	api.Get("/requests", h.listRequests)
	api.Get("/requests/:id", h.getRequest)
	api.Get("/targets/:id/active", h.activeRequest)

	return app
}

type httpHandlers struct {
	service *Service
	logger  *slog.Logger
}

func (h *httpHandlers) invoke(endpoint string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		outcome, err := h.service.Invoke(c.UserContext(), endpoint, c.Query("target"))
		if err != nil {
			return h.writeError(c, err)
		}

		c.Set(protocol.HeaderRequestID, strconv.FormatInt(outcome.Request.ID, 10))
		c.Set(protocol.HeaderRequestStatus, string(outcome.Request.Status))
		logs := outcome.Logs
		if logs == nil {
			logs = []string{}
		}
		return c.Status(fiber.StatusOK).JSON(logs)
	}
}

func (h *httpHandlers) actions(c *fiber.Ctx) error {
	specs := h.service.Actions()
	views := make([]protocol.ActionView, 0, len(specs))
	for _, spec := range specs {
		conflicts := make([]string, 0, len(spec.ConflictsWith))
		for _, f := range spec.ConflictsWith {
			conflicts = append(conflicts, string(f))
		}
		views = append(views, protocol.ActionView{
			Name:          string(spec.Action),
			Endpoint:      spec.Endpoint,
			Family:        string(spec.Family),
			Idempotency:   string(spec.Idempotency),
			Description:   spec.Description,
			ConflictsWith: conflicts,
		})
	}
	return c.JSON(views)
}

func (h *httpHandlers) listRequests(c *fiber.Ctx) error {
	var filter state.ListFilter
	if value := c.Query("status"); value != "" {
		status, err := state.ParseStatus(value)
		if err != nil {
			return writeErrorResponse(c, fiber.StatusBadRequest, protocol.CodeInvalidQuery, err, 0)
		}
		filter.Status = status
	}
	if value := c.Query("kind"); value != "" {
		kind, err := catalog.ParseTargetKind(value)
		if err != nil {
			return writeErrorResponse(c, fiber.StatusBadRequest, protocol.CodeInvalidQuery, err, 0)
		}
		filter.Kind = kind
	}
	if value := c.Query("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 0 {
			return writeErrorResponse(c, fiber.StatusBadRequest, protocol.CodeInvalidQuery, errors.New("limit must be a non-negative integer"), 0)
		}
		filter.Limit = limit
	}
	filter.TargetID = c.Query("target")
	filter.WithLogs = c.QueryBool("logs", false)

	requests, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return h.writeError(c, err)
	}
	views := make([]protocol.RequestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, requestView(req))
	}
	return c.JSON(views)
}

func (h *httpHandlers) getRequest(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return writeErrorResponse(c, fiber.StatusBadRequest, protocol.CodeInvalidQuery, errors.New("request id must be a positive integer"), 0)
	}
	req, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(requestView(req))
}

func (h *httpHandlers) activeRequest(c *fiber.Ctx) error {
	req, err := h.service.Active(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	if req == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(requestView(*req))
}

func (h *httpHandlers) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	h.logger.Info("http request",
		"event", "http_request",
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"http_request_id", c.GetRespHeader(fiber.HeaderXRequestID),
	)
	return err
}

// writeError maps service errors onto status codes. Runner failures never
// reach here; they are reported inside the 200 log body.
func (h *httpHandlers) writeError(c *fiber.Ctx, err error) error {
	var conflict state.ConflictError
	switch {
	case errors.Is(err, catalog.ErrUnknownAction):
		return writeErrorResponse(c, fiber.StatusNotFound, protocol.CodeUnknownAction, err, 0)
	case errors.Is(err, ErrUnknownTarget):
		return writeErrorResponse(c, fiber.StatusBadRequest, protocol.CodeUnknownTarget, err, 0)
	case errors.As(err, &conflict):
		return writeErrorResponse(c, fiber.StatusConflict, protocol.CodeConflict, err, conflict.ActiveID)
	case errors.Is(err, state.ErrNotFound):
		return writeErrorResponse(c, fiber.StatusNotFound, protocol.CodeNotFound, err, 0)
	case errors.Is(err, ErrShuttingDown):
		return writeErrorResponse(c, fiber.StatusServiceUnavailable, protocol.CodeShuttingDown, err, 0)
	default:
		h.logger.Error("request failed", "event", "http_internal_error", "path", c.Path(), "error", err)
		return writeErrorResponse(c, fiber.StatusInternalServerError, protocol.CodeInternal, err, 0)
	}
}

func (h *httpHandlers) handleFiberError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := protocol.CodeInternal
		if fe.Code == fiber.StatusNotFound {
			code = protocol.CodeNotFound
		}
		return writeErrorResponse(c, fe.Code, code, fe, 0)
	}
	h.logger.Error("unhandled error", "event", "http_internal_error", "path", c.Path(), "error", err)
	return writeErrorResponse(c, fiber.StatusInternalServerError, protocol.CodeInternal, err, 0)
}

func writeErrorResponse(c *fiber.Ctx, status int, code string, err error, activeID int64) error {
	return c.Status(status).JSON(protocol.ErrorResponse{
		Error:           err.Error(),
		Code:            code,
		ActiveRequestID: activeID,
	})
}

func requestView(req state.ProvisioningRequest) protocol.RequestView {
	return protocol.RequestView{
		ID:         req.ID,
		TargetID:   req.TargetID,
		TargetKind: string(req.TargetKind),
		Action:     string(req.Action),
		Family:     string(req.Family),
		Status:     string(req.Status),
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
		StartedAt:  req.StartedAt,
		FinishedAt: req.FinishedAt,
		Logs:       req.Logs,
	}
}
