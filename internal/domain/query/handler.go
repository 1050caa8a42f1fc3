package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin checks happen in the CORS middleware.
	},
}

// Handler exposes the query lifecycle over HTTP and streams status events
// over WebSocket.
type Handler struct {
	svc         *Service
	logger      zerolog.Logger
	idleTimeout time.Duration
}

// NewHandler creates a Handler. idleTimeout ends event streams that receive
// nothing for the given duration; zero disables the timeout.
func NewHandler(svc *Service, logger zerolog.Logger, idleTimeout time.Duration) *Handler {
	return &Handler{svc: svc, logger: logger, idleTimeout: idleTimeout}
}

// RegisterRoutes registers all query routes on the given Echo group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/queries", h.CreateQuery)
	api.GET("/queries/stats", h.GetStats)
	api.GET("/queries/:id", h.GetQuery)
	api.POST("/queries/:id/status", h.PublishStatus)
	api.GET("/queries/:id/events", h.StreamEvents)
}

type createQueryRequest struct {
	Kind     Kind   `json:"kind"`
	OriginID string `json:"origin_id"`
}

// CreateQuery handles POST /queries. It enqueues a new query and returns the
// tracking id the caller uses for all later status lookups and subscriptions.
func (h *Handler) CreateQuery(c echo.Context) error {
	var req createQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	q, err := h.svc.Enqueue(c.Request().Context(), req.Kind, req.OriginID)
	if err != nil {
		if errors.Is(err, ErrInvalidKind) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, q)
}

// GetQuery handles GET /queries/:id.
func (h *Handler) GetQuery(c echo.Context) error {
	q, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, q)
}

type publishStatusRequest struct {
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishStatus handles POST /queries/:id/status, the ingress used by
// external processing workers to report progress.
func (h *Handler) PublishStatus(c echo.Context) error {
	var req publishStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ev, err := h.svc.Publish(c.Request().Context(), c.Param("id"), req.Status, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, ev)
}

// GetStats handles GET /queries/stats.
func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Stats())
}

// StreamEvents handles GET /queries/:id/events. It upgrades to WebSocket and
// writes each status event as a JSON message in publish order. The socket
// closes normally after the terminal event, on client disconnect, or when
// the idle timeout expires.
func (h *Handler) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()

	sub, err := h.svc.Subscribe(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		sub.Cancel()
		return err
	}
	defer ws.Close()
	defer sub.Cancel()

	// Read pump: we never expect client messages, but reading is the only
	// way to observe a client-initiated close promptly.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if h.idleTimeout > 0 {
		idleTimer = time.NewTimer(h.idleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Stream complete: terminal status delivered or cancelled.
				h.writeClose(ws, "stream complete")
				return nil
			}
			if err := ws.WriteJSON(ev); err != nil {
				return nil
			}
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(h.idleTimeout)
			}
		case <-idleC:
			// Idle expiry is a normal stream end, not an error.
			h.writeClose(ws, "idle timeout")
			return nil
		}
	}
}

func (h *Handler) writeClose(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write websocket close frame")
	}
}
