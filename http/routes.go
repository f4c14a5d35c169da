package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/NemorionTechnologies/DataConnectors-sub001/conductor"
	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
	"github.com/NemorionTechnologies/DataConnectors-sub001/registry"
	"github.com/NemorionTechnologies/DataConnectors-sub001/workflow"
)

// Dependencies carries every component RegisterRoutes wires into handlers.
type Dependencies struct {
	Service    *workflow.Service
	Conductor  *conductor.Conductor
	Registry   *registry.Registry
	Executions contracts.WorkflowExecutionRepository
	Actions    contracts.ActionExecutionRepository
	Log        *logrus.Entry
	AdminKey   string
	Version    string
}

// RegisterRoutes wires the engine's HTTP API onto e. Admin endpoints are
// gated by APIKeyMiddleware when AdminKey is non-empty.
func RegisterRoutes(e *echo.Echo, deps Dependencies) {
	e.HTTPErrorHandler = CustomHTTPErrorHandler

	e.GET("/healthz", HealthCheckHandler("workflow-engine", deps.Version))
	e.GET("/readyz", readyzHandler(deps))

	api := e.Group("/api/v1")

	api.POST("/workflows", createOrUpdateDraftHandler(deps))
	api.GET("/workflows/:id", getWorkflowHandler(deps))
	api.POST("/workflows/validate", validateHandler(deps))
	api.POST("/workflows/:id/publish", publishHandler(deps))
	api.POST("/workflows/:id/archive", archiveHandler(deps))
	api.POST("/workflows/:id/reactivate", reactivateHandler(deps))
	api.POST("/workflows/:id/execute", executeHandler(deps))

	api.GET("/executions/:id", getExecutionHandler(deps))
	api.POST("/executions/:id/cancel", cancelExecutionHandler(deps))

	e.GET("/ws/executions/:id", executionStreamHandler(deps))

	admin := api.Group("/admin")
	if deps.AdminKey != "" {
		admin.Use(APIKeyMiddleware(deps.AdminKey))
	}
	admin.POST("/actions/register", registerActionsHandler(deps))
	admin.POST("/actions/refresh", refreshActionsHandler(deps))
}

func readyzHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Registry.LastRefreshedAt().IsZero() {
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not ready", Details: map[string]interface{}{
				"reason": "catalog has not completed an initial refresh",
			}})
		}
		return c.JSON(http.StatusOK, HealthResponse{Status: "ready"})
	}
}

type draftRequest struct {
	DisplayName string          `json:"displayName"`
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
}

func createOrUpdateDraftHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req draftRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Definition, &envelope); err != nil || envelope.ID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "definition must include a non-empty \"id\"")
		}

		w, err := deps.Service.PutDraft(c.Request().Context(), envelope.ID, req.DisplayName, req.Description, req.Definition)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, w)
	}
}

func getWorkflowHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		w, draft, err := deps.Service.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"workflow": w, "draft": draft})
	}
}

func validateHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			WorkflowID string `json:"workflowId"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		_, result, err := deps.Service.Validate(c.Request().Context(), req.WorkflowID)
		if err != nil {
			return mapServiceError(err)
		}
		status := http.StatusOK
		if !result.IsValid {
			status = http.StatusBadRequest
		}
		return c.JSON(status, result)
	}
}

func publishHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		autoActivate := c.QueryParam("autoActivate") == "true"
		result, errs, err := deps.Service.Publish(c.Request().Context(), c.Param("id"), autoActivate)
		if err != nil {
			if len(errs) > 0 {
				return c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
					Code:    "publish_validation_failed",
					Message: err.Error(),
					Details: map[string]interface{}{"errors": errs},
				}})
			}
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, result)
	}
}

func archiveHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := deps.Service.Archive(c.Request().Context(), c.Param("id")); err != nil {
			return mapServiceError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func reactivateHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := deps.Service.Reactivate(c.Request().Context(), c.Param("id")); err != nil {
			return mapServiceError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type executeRequest struct {
	RequestID     string                 `json:"requestId"`
	CorrelationID string                 `json:"correlationId"`
	Trigger       map[string]interface{} `json:"trigger"`
	Vars          map[string]interface{} `json:"vars"`
}

func executeHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req executeRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		version := 0
		if v := c.QueryParam("version"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "version must be an integer")
			}
			version = parsed
		}

		exec, err := deps.Service.Execute(c.Request().Context(), c.Param("id"), version, req.RequestID, req.Trigger, req.Vars, req.CorrelationID)
		if err != nil {
			return mapServiceError(err)
		}

		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"executionId": exec.ID,
			"status":      exec.Status,
			"statusUrl":   "/api/v1/executions/" + exec.ID,
		})
	}
}

func getExecutionHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		exec, err := deps.Executions.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return mapServiceError(err)
		}
		if exec == nil {
			return echo.NewHTTPError(http.StatusNotFound, "execution not found")
		}
		attempts, err := deps.Actions.ListByExecution(c.Request().Context(), exec.ID)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"execution": exec,
			"attempts":  attempts,
		})
	}
}

func cancelExecutionHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !deps.Conductor.Cancel(c.Param("id")) {
			return echo.NewHTTPError(http.StatusNotFound, "execution is not running in this process")
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func registerActionsHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			ConnectorID string                          `json:"connectorId"`
			Actions     []*contracts.ActionCatalogEntry `json:"actions"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		result, err := deps.Registry.Register(c.Request().Context(), req.ConnectorID, req.Actions)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, result)
	}
}

func refreshActionsHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := deps.Registry.RefreshAndNotify(c.Request().Context()); err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"lastRefreshedAt": deps.Registry.LastRefreshedAt()})
	}
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrNotDraft), errors.Is(err, workflow.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrActionTypePrefix):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

// executionStreamHandler upgrades to a WebSocket and relays StatusEvents
// broadcast for this execution as they happen. Best-effort: a client that
// connects after a node has already finished misses that event, same as the
// broadcaster it reads from.
func executionStreamHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Conductor.Broadcaster == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "status streaming is not enabled")
		}
		executionID := c.Param("id")
		conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		events, unsubscribe := deps.Conductor.Broadcaster.Subscribe(executionID)
		defer unsubscribe()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return nil
				}
				data, err := json.Marshal(event)
				if err != nil {
					deps.Log.WithError(err).Warn("marshaling status event")
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return nil
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return nil
				}
			}
		}
	}
}
