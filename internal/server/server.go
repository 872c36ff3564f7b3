package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	// Audio handles accepted audio upgrades. Audio requests are rejected
	// when nil.
	Audio ConnectHook
	// Sessions reports the number of live audio sessions for /healthz.
	Sessions func() int
	Logger   *zap.Logger
}

// Server serves both websocket protocols and the plain HTTP endpoints on a
// single handler.
type Server struct {
	hub     *Hub
	opts    Options
	gateway *Gateway
	logger  *zap.Logger
}

func New(hub *Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}

	s := &Server{
		hub:    hub,
		opts:   opts,
		logger: opts.Logger,
	}
	s.gateway = NewGateway(ConnectHooks{
		Sync:  s.serveSync,
		Audio: opts.Audio,
	}, opts.AllowedOrigins, opts.Logger)
	return s
}

func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(requestLogger(s.logger.Named("http")))
	router.Use(middleware.Recoverer)

	// Every method is routed to the gateway so that non-upgrade requests are
	// classified and dropped there.
	router.Handle(SyncPath, s.gateway)
	router.Handle(AudioPath, s.gateway)

	router.Get("/healthz", s.handleHealth)
	router.Route("/api", s.registerAPIRoutes)

	return router
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("HTTP request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
