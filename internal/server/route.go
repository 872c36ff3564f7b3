package server

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	SyncPath  = "/ws"
	AudioPath = "/ws/audio"

	maxRoomLength = 128
)

var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func ValidRoomID(id string) bool {
	return len(id) <= maxRoomLength && roomIDPattern.MatchString(id)
}

type RouteKind int

const (
	RouteReject RouteKind = iota
	RouteSync
	RouteAudio
)

func (k RouteKind) String() string {
	switch k {
	case RouteSync:
		return "sync"
	case RouteAudio:
		return "audio"
	default:
		return "reject"
	}
}

// Route is the classification of one inbound request. Room is set for sync
// and audio routes; Identity and Token only for audio; Reason only for
// rejects.
type Route struct {
	Kind     RouteKind
	Room     string
	Identity string
	Token    string
	Reason   string
}

func reject(reason string) Route {
	return Route{Kind: RouteReject, Reason: reason}
}

// Classify decides where an upgrade request goes. It does not touch the
// connection.
func Classify(r *http.Request) Route {
	if r.URL.Path != SyncPath && r.URL.Path != AudioPath {
		return reject("unknown path")
	}
	if r.Method != http.MethodGet {
		return reject("method not allowed")
	}
	if !websocket.IsWebSocketUpgrade(r) {
		return reject("not a websocket upgrade")
	}

	q := r.URL.Query()
	room := strings.TrimSpace(q.Get("room"))
	if room == "" {
		return reject("missing room")
	}
	if !ValidRoomID(room) {
		return reject("invalid room")
	}

	if r.URL.Path == SyncPath {
		return Route{Kind: RouteSync, Room: room}
	}

	identity := strings.TrimSpace(q.Get("identity"))
	if identity == "" {
		return reject("missing identity")
	}
	token := strings.TrimSpace(q.Get("session"))
	if token == "" {
		token = uuid.NewString()
	}
	return Route{Kind: RouteAudio, Room: room, Identity: identity, Token: token}
}

// ConnectHook receives an upgraded connection and owns it from then on.
type ConnectHook func(conn *websocket.Conn, route Route)

type ConnectHooks struct {
	Sync  ConnectHook
	Audio ConnectHook
}

// Gateway is the single entry point for both websocket protocols.
type Gateway struct {
	hooks    ConnectHooks
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewGateway(hooks ConnectHooks, allowedOrigins []string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		hooks: hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger.Named("gateway"),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := Classify(r)

	var hook ConnectHook
	switch route.Kind {
	case RouteSync:
		hook = g.hooks.Sync
	case RouteAudio:
		hook = g.hooks.Audio
	}
	if hook == nil {
		if route.Reason == "" {
			route.Reason = "no handler for " + route.Kind.String()
		}
		g.destroy(w, r, route.Reason)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.String("route", route.Kind.String()), zap.Error(err))
		return
	}
	hook(conn, route)
}

// destroy drops the underlying connection without writing a response.
func (g *Gateway) destroy(w http.ResponseWriter, r *http.Request, reason string) {
	g.logger.Debug("rejecting request",
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("reason", reason),
	)

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	_ = conn.Close()
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
