package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

func upgradeRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return req
}

func TestClassify(t *testing.T) {
	longRoom := strings.Repeat("a", maxRoomLength+1)

	cases := []struct {
		name   string
		req    *http.Request
		kind   RouteKind
		room   string
		ident  string
		token  string
		reason string
	}{
		{name: "sync", req: upgradeRequest(http.MethodGet, "/ws?room=R1"), kind: RouteSync, room: "R1"},
		{name: "audio", req: upgradeRequest(http.MethodGet, "/ws/audio?room=R1&identity=alice&session=tok-1"), kind: RouteAudio, room: "R1", ident: "alice", token: "tok-1"},
		{name: "sync missing room", req: upgradeRequest(http.MethodGet, "/ws"), reason: "missing room"},
		{name: "sync invalid room", req: upgradeRequest(http.MethodGet, "/ws?room=../etc"), reason: "invalid room"},
		{name: "sync long room", req: upgradeRequest(http.MethodGet, "/ws?room="+longRoom), reason: "invalid room"},
		{name: "audio missing identity", req: upgradeRequest(http.MethodGet, "/ws/audio?room=R1"), reason: "missing identity"},
		{name: "audio missing room", req: upgradeRequest(http.MethodGet, "/ws/audio?identity=alice"), reason: "missing room"},
		{name: "no upgrade", req: httptest.NewRequest(http.MethodGet, "/ws?room=R1", nil), reason: "not a websocket upgrade"},
		{name: "post", req: upgradeRequest(http.MethodPost, "/ws?room=R1"), reason: "method not allowed"},
		{name: "unknown path", req: upgradeRequest(http.MethodGet, "/other?room=R1"), reason: "unknown path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.req)
			if got.Kind != tc.kind {
				t.Fatalf("expected kind %v, got %v (%+v)", tc.kind, got.Kind, got)
			}
			if got.Room != tc.room || got.Identity != tc.ident {
				t.Fatalf("unexpected route: %+v", got)
			}
			if tc.token != "" && got.Token != tc.token {
				t.Fatalf("expected token %q, got %q", tc.token, got.Token)
			}
			if got.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, got.Reason)
			}
		})
	}
}

func TestClassifyGeneratesAudioToken(t *testing.T) {
	first := Classify(upgradeRequest(http.MethodGet, "/ws/audio?room=R1&identity=alice"))
	second := Classify(upgradeRequest(http.MethodGet, "/ws/audio?room=R1&identity=alice"))
	if first.Kind != RouteAudio || first.Token == "" {
		t.Fatalf("expected generated token, got %+v", first)
	}
	if first.Token == second.Token {
		t.Fatal("generated tokens must differ")
	}
}

func TestGatewayDropsRejectedRequests(t *testing.T) {
	var syncCalls, audioCalls atomic.Int32
	gateway := NewGateway(ConnectHooks{
		Sync:  func(conn *websocket.Conn, _ Route) { syncCalls.Add(1); _ = conn.Close() },
		Audio: func(conn *websocket.Conn, _ Route) { audioCalls.Add(1); _ = conn.Close() },
	}, nil, nil)

	srv := httptest.NewServer(gateway)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws?room=R1")
	if err == nil {
		_ = resp.Body.Close()
		t.Fatalf("expected connection to be dropped, got status %d", resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/audio?room=R1", nil); err == nil {
		_ = conn.Close()
		t.Fatal("expected audio dial without identity to fail")
	}

	if syncCalls.Load() != 0 || audioCalls.Load() != 0 {
		t.Fatalf("hooks must not run for rejects: sync=%d audio=%d", syncCalls.Load(), audioCalls.Load())
	}
}

func TestGatewayInvokesExactlyOneHook(t *testing.T) {
	var syncCalls, audioCalls atomic.Int32
	routes := make(chan Route, 2)
	gateway := NewGateway(ConnectHooks{
		Sync: func(conn *websocket.Conn, r Route) {
			syncCalls.Add(1)
			routes <- r
			_ = conn.Close()
		},
		Audio: func(conn *websocket.Conn, r Route) {
			audioCalls.Add(1)
			routes <- r
			_ = conn.Close()
		},
	}, nil, nil)

	srv := httptest.NewServer(gateway)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?room=R1", nil)
	if err != nil {
		t.Fatalf("sync dial failed: %v", err)
	}
	_ = conn.Close()
	if r := <-routes; r.Kind != RouteSync || r.Room != "R1" {
		t.Fatalf("unexpected sync route: %+v", r)
	}

	conn, _, err = websocket.DefaultDialer.Dial(wsURL+"/ws/audio?room=R1&identity=bob&session=s1", nil)
	if err != nil {
		t.Fatalf("audio dial failed: %v", err)
	}
	_ = conn.Close()
	if r := <-routes; r.Kind != RouteAudio || r.Identity != "bob" || r.Token != "s1" {
		t.Fatalf("unexpected audio route: %+v", r)
	}

	if syncCalls.Load() != 1 || audioCalls.Load() != 1 {
		t.Fatalf("expected one call per hook, got sync=%d audio=%d", syncCalls.Load(), audioCalls.Load())
	}
}

func TestGatewayRejectsAudioWithoutHook(t *testing.T) {
	gateway := NewGateway(ConnectHooks{Sync: func(conn *websocket.Conn, _ Route) { _ = conn.Close() }}, nil, nil)
	srv := httptest.NewServer(gateway)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/audio?room=R1&identity=a", nil); err == nil {
		_ = conn.Close()
		t.Fatal("expected audio dial to fail without a hook")
	}
}

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !allowAll(req) {
		t.Fatal("empty allow-list should accept any origin")
	}

	restricted := checkOrigin([]string{"https://app.example"})
	if restricted(req) {
		t.Fatal("unexpected origin accepted")
	}
	req.Header.Set("Origin", "https://app.example")
	if !restricted(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Del("Origin")
	if !restricted(req) {
		t.Fatal("requests without Origin should be accepted")
	}
}
