package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gpio-relay/internal/auth"
	"gpio-relay/internal/logging"
	"gpio-relay/internal/middleware"
	"gpio-relay/internal/socketio"
	"gpio-relay/internal/store"
)

type Deps struct {
	Store        *store.Store
	Sockets      *socketio.Server
	TokenConfig  auth.TokenConfig
	DebugLimiter *middleware.RateLimiter
	Logger       logrus.FieldLogger
	Now          func() time.Time
}

type deviceEntry struct {
	DeviceID string         `json:"deviceId"`
	OwnerID  string         `json:"ownerId"`
	PinState map[string]any `json:"pinState"`
	LastSeen int64          `json:"lastSeen"`
	State    string         `json:"state"`
	SocketID string         `json:"socketId"`
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Middleware(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		devices, users := deps.Store.Counts()
		body := gin.H{
			"status":    "ok",
			"devices":   devices,
			"users":     users,
			"timestamp": deps.Now().UnixMilli(),
		}
		if deps.Sockets != nil {
			body["connections"] = deps.Sockets.Count()
		}
		c.JSON(http.StatusOK, body)
	})

	debug := r.Group("/debug")
	if deps.DebugLimiter != nil {
		debug.Use(middleware.RateLimitMiddleware(deps.DebugLimiter))
	}
	debug.Use(middleware.RequireOperator(deps.TokenConfig))
	debug.GET("/devices", func(c *gin.Context) {
		devices := deps.Store.ListDevices()
		out := make([]deviceEntry, 0, len(devices))
		for _, dev := range devices {
			out = append(out, deviceEntry{
				DeviceID: dev.DeviceID,
				OwnerID:  dev.OwnerID,
				PinState: dev.PinState,
				LastSeen: dev.LastSeen,
				State:    string(dev.State),
				SocketID: dev.Handle,
			})
		}
		c.JSON(http.StatusOK, gin.H{"devices": out})
	})

	if deps.Sockets != nil {
		sockets := gin.WrapH(deps.Sockets)
		r.GET("/socket.io", sockets)
		r.GET("/socket.io/", sockets)
	}

	return r
}
