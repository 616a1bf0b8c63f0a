// Package http is the local control API the UI drives the engine through.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/app/call"
	"github.com/dkeye/callmesh/internal/app/room"
	"github.com/dkeye/callmesh/internal/config"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

type Calls interface {
	StartCall(ctx context.Context, remote domain.UserID, kind domain.CallKind) (domain.CallID, error)
	Accept(ctx context.Context, id domain.CallID) error
	Reject(id domain.CallID) error
	End(reason domain.EndReason) error
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	Snapshot() (call.Snapshot, bool)
}

type Rooms interface {
	Join(id domain.RoomID) error
	Leave() error
	RaiseHand() error
	LowerHand() error
	Promote(ctx context.Context, target domain.UserID) error
	Demote(target domain.UserID) error
	Snapshot() (room.Snapshot, bool)
}

type EventStream interface {
	Serve(ctx context.Context, c *gin.Context)
}

type RelayStatus interface {
	Connected() bool
}

type Deps struct {
	Calls  Calls
	Rooms  Rooms
	Events EventStream
	Relay  RelayStatus
}

const sessionCallKey = "call"

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallmeshSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		up := d.Relay != nil && d.Relay.Connected()
		c.JSON(http.StatusOK, gin.H{"local": cfg.LocalID, "relay": up})
	})

	h := &handlers{calls: d.Calls, rooms: d.Rooms}

	calls := api.Group("/calls")
	calls.POST("", h.startCall)
	calls.GET("/current", h.currentCall)
	calls.POST("/:id/accept", h.acceptCall)
	calls.POST("/:id/reject", h.rejectCall)
	calls.POST("/:id/end", h.endCall)
	calls.POST("/:id/mute", h.toggleMute)
	calls.POST("/:id/video", h.toggleVideo)

	rooms := api.Group("/rooms")
	rooms.GET("/current", h.currentRoom)
	rooms.POST("/:id/join", h.joinRoom)
	rooms.POST("/:id/leave", h.leaveRoom)
	rooms.POST("/:id/hand", h.hand)
	rooms.POST("/:id/promote", h.promote)
	rooms.POST("/:id/demote", h.demote)

	api.GET("/ws/events", func(c *gin.Context) {
		if d.Events == nil {
			c.Status(http.StatusNotFound)
			return
		}
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		d.Events.Serve(ctx, c)
	})

	return r
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, core.ErrSessionConflict),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, core.ErrMediaUnavailable):
		return http.StatusFailedDependency
	case errors.Is(err, core.ErrRelayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNegotiationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrPeerLinkFailure):
		return http.StatusBadGateway
	}
	var se *core.SessionError
	if errors.As(err, &se) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
