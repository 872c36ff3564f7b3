package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sjawhar/caption-relay/internal/transcribe"
)

const maxSubmissionBytes = 64 << 10

type RoomSummary struct {
	Room        string `json:"room"`
	Lines       int    `json:"lines"`
	Connections int    `json:"connections"`
}

type submitRequest struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

func (s *Server) registerAPIRoutes(r chi.Router) {
	r.Get("/rooms", s.handleListRooms)
	r.Get("/rooms/{room}/transcripts", s.handleGetTranscripts)
	r.Post("/rooms/{room}/transcripts", s.handleAppendTranscript)
	r.Get("/rooms/{room}/transcript.md", s.handleTranscriptMarkdown)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if s.opts.Sessions != nil {
		sessions = s.opts.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"rooms":    len(s.hub.Rooms()),
		"sessions": sessions,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	history, err := s.hub.HistoryRooms()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list rooms: %v", err))
		return
	}

	seen := make(map[string]struct{}, len(history))
	names := make([]string, 0, len(history))
	for _, room := range append(history, s.hub.Rooms()...) {
		if _, ok := seen[room]; ok {
			continue
		}
		seen[room] = struct{}{}
		names = append(names, room)
	}
	sort.Strings(names)

	out := make([]RoomSummary, 0, len(names))
	for _, room := range names {
		lines, err := s.hub.Transcript(room)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get transcript: %v", err))
			return
		}
		out = append(out, RoomSummary{
			Room:        room,
			Lines:       len(lines),
			Connections: s.hub.Count(room),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTranscripts(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	lines, err := s.hub.Transcript(room)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get transcript: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleTranscriptMarkdown(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	lines, err := s.hub.Transcript(room)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get transcript: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(transcribe.FormatMarkdown(lines)))
}

func (s *Server) handleAppendTranscript(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	line, res, err := s.hub.Publish(room, transcribe.NewLine(req.Speaker, req.Text))
	if err != nil {
		s.logger.Error("append transcript failed", zap.String("room", room), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not store transcript")
		return
	}
	s.logger.Debug("transcript appended over http",
		zap.String("room", room),
		zap.String("line", line.ID),
		zap.Int("sent", res.Sent),
	)
	writeJSON(w, http.StatusCreated, line)
}

func roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := chi.URLParam(r, "room")
	if !ValidRoomID(room) {
		writeJSONError(w, http.StatusBadRequest, "invalid room id")
		return "", false
	}
	return room, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
