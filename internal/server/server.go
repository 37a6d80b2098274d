package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gpio-relay/internal/auth"
	"gpio-relay/internal/config"
	"gpio-relay/internal/middleware"
	"gpio-relay/internal/relay"
	"gpio-relay/internal/socketio"
	"gpio-relay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// App wires the registry, the relay engine, the socket transport and the
// HTTP surface for one process.
type App struct {
	Config  config.Config
	Store   *store.Store
	Engine  *relay.Engine
	Sockets *socketio.Server
	Handler http.Handler

	limiter *middleware.RateLimiter
	log     logrus.FieldLogger
}

// New builds an App. mirror may be nil.
func New(cfg config.Config, log logrus.FieldLogger, mirror relay.Mirror) *App {
	if log == nil {
		log = logrus.StandardLogger()
	}

	st := store.New()
	bridge := &socketBridge{}
	sockets := socketio.NewServer(bridge, socketio.Options{
		Logger: log.WithField("component", "socketio"),
	})
	engine := relay.NewEngine(st, sockets, relay.Options{
		DefaultOwnerID: cfg.DefaultOwnerID,
		Liveness:       cfg.Liveness(),
		Mirror:         mirror,
		Logger:         log,
	})
	bridge.engine = engine

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry
	limiter := middleware.NewRateLimiter(cfg.DebugRateLimitPerMinute, time.Minute)

	router := NewRouter(Deps{
		Store:        st,
		Sockets:      sockets,
		TokenConfig:  tokenCfg,
		DebugLimiter: limiter,
		Logger:       log,
	})

	return &App{
		Config:  cfg,
		Store:   st,
		Engine:  engine,
		Sockets: sockets,
		Handler: router,
		limiter: limiter,
		log:     log.WithField("component", "server"),
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down:
// liveness timers first, then the HTTP server, then any sockets still open.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.Port))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := NewHTTPServer(a.Config, a.Handler)
	a.Engine.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.Config.TLSCertFile != "" && a.Config.TLSKeyFile != "" {
			err = srv.ServeTLS(ln, a.Config.TLSCertFile, a.Config.TLSKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	a.log.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"tls":  a.Config.TLSCertFile != "",
	}).Info("gpio relay listening")

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	a.shutdown(srv)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return errors.Wrap(serveErr, "serve")
	}
	return nil
}

func (a *App) shutdown(srv *http.Server) {
	a.Engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("http shutdown incomplete")
	}

	a.Sockets.CloseAll(socketio.ReasonServerShutdown)
	a.limiter.Stop()
	a.log.Info("shutdown complete")
}
