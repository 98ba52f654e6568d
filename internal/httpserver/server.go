package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chadiek/ggtalk/internal/agent"
	"github.com/chadiek/ggtalk/internal/bridge"
	"github.com/chadiek/ggtalk/internal/rtc"
	"github.com/chadiek/ggtalk/internal/session"
)

// Deps are the collaborators behind the routes.
type Deps struct {
	AuthPassword string
	Registry     *session.Registry
	Calls        *rtc.Handler
	Browser      *bridge.Handler
	Logger       zerolog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes.
func New(d Deps) *Server {
	e := newEcho(d.Logger.With().Str("component", "http").Logger())
	h := &handlers{deps: d}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	auth := requireAuth(d.AuthPassword)
	cors := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	})
	e.POST("/call", h.call, cors, auth)
	e.OPTIONS("/call", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, cors)
	// The signaling socket authenticates itself, possibly in-band.
	e.GET("/call/ws", h.callWS)
	e.GET("/browser/ws", h.browserWS, auth)

	s := e.Group("/sessions", auth)
	s.GET("", h.listSessions)
	s.GET("/:id/log", h.sessionLog)
	s.GET("/:id/state", h.sessionState)
	s.POST("/:id/toggle", h.toggle)
	s.DELETE("/:id", h.closeSession)

	return &Server{Router: e}
}

// rtcAuthOK accepts everything when no password is configured.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	return rtc.Authorized(r, expected)
}

func requireAuth(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rtcAuthOK(c.Request(), password) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

type handlers struct {
	deps Deps
}

func (h *handlers) call(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
	}
	if h.deps.Calls == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "calls disabled")
	}
	answer, err := h.deps.Calls.HandleOffer(c.Request().Context(), offer)
	if errors.Is(err, rtc.ErrInvalidOffer) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "webrtc handle offer failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, answer)
}

func (h *handlers) callWS(c echo.Context) error {
	if h.deps.Calls == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "calls disabled")
	}
	h.deps.Calls.ServeWebSocket(c.Response(), c.Request(), h.deps.AuthPassword)
	return nil
}

func (h *handlers) browserWS(c echo.Context) error {
	if h.deps.Browser == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "browser sessions disabled")
	}
	h.deps.Browser.ServeWebSocket(c.Response(), c.Request())
	return nil
}

func (h *handlers) session(c echo.Context) (*session.Session, error) {
	s, ok := h.deps.Registry.Get(c.Param("id"))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return s, nil
}

func (h *handlers) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Registry.List())
}

func (h *handlers) sessionLog(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Coordinator.Log())
}

type stateView struct {
	State    agent.State `json:"state"`
	Active   bool        `json:"active"`
	Degraded string      `json:"degraded,omitempty"`
}

func viewOf(s *session.Session) stateView {
	snap := s.Coordinator.Snapshot()
	return stateView{State: snap.State, Active: snap.Active, Degraded: snap.Degraded}
}

func (h *handlers) sessionState(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(s))
}

// toggle queues the user's start/stop control; the response shows the state
// before it is applied.
func (h *handlers) toggle(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	s.Coordinator.Toggle()
	return c.JSON(http.StatusAccepted, viewOf(s))
}

func (h *handlers) closeSession(c echo.Context) error {
	err := h.deps.Registry.Close(c.Param("id"))
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
