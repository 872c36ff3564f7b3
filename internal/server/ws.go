package server

import (
	"bytes"
	"errors"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sjawhar/caption-relay/internal/transcribe"
)

func (s *Server) serveSync(conn *websocket.Conn, route Route) {
	client := NewClient(conn, s.opts.SendBuffer, s.logger)
	logger := s.logger.With(zap.String("room", route.Room), zap.String("peer", client.ID()))

	// The init frame is queued by Join; the pump starts once membership is
	// settled so a rejection can write to the socket directly.
	if _, err := s.hub.Join(route.Room, client); err != nil {
		logger.Warn("join failed", zap.Error(err))
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrHubClosed) {
			code = websocket.CloseGoingAway
		}
		client.Reject(code, "join failed")
		return
	}
	go client.WritePump()
	logger.Info("sync client connected")

	defer func() {
		s.hub.Leave(route.Room, client.ID())
		client.Terminate(websocket.CloseNormalClosure, "")
		logger.Info("sync client disconnected")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("sync read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.handleSyncMessage(client, route.Room, data, logger)
	}
}

func (s *Server) handleSyncMessage(client *Client, roomID string, data []byte, logger *zap.Logger) {
	if string(bytes.TrimSpace(data)) == PingText {
		client.SetAlive(true)
		_ = client.Send([]byte(PongText))
		return
	}

	msg, err := DecodeClientMessage(data)
	if err != nil {
		logger.Debug("ignoring client message", zap.Error(err))
		s.sendError(client, "invalid message")
		return
	}

	switch m := msg.(type) {
	case SubmitTranscript:
		if strings.TrimSpace(m.Text) == "" {
			s.sendError(client, "text is required")
			return
		}
		line, res, err := s.hub.Publish(roomID, transcribe.NewLine(m.Speaker, m.Text))
		if err != nil {
			logger.Error("publish failed", zap.Error(err))
			s.sendError(client, "could not store transcript")
			return
		}
		logger.Debug("transcript submitted",
			zap.String("line", line.ID),
			zap.Int("sent", res.Sent),
			zap.Int("skipped", res.Skipped),
		)
	case CloseSession:
		logger.Debug("close ignored on sync connection")
	}
}

func (s *Server) sendError(client *Client, message string) {
	payload, err := marshalFrame(NewErrorFrame(message))
	if err != nil {
		return
	}
	_ = client.Send(payload)
}
