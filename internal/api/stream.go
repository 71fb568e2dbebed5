package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kjannette/cardvault-backend/internal/batch"
)

const streamWriteWait = 10 * time.Second

// streamMessage is one frame of the batch stream: a "progress" frame per
// finished chunk, then a single "done" or "error" frame.
type streamMessage struct {
	Type     string          `json:"type"`
	Progress *batch.Progress `json:"progress,omitempty"`
	Job      *batch.Job      `json:"job,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

// handleBatchStream reads one batch request from the socket and streams
// per-chunk progress. The batch runs to completion even if the peer goes
// away; frames are only written while the socket is open.
func (s *Server) handleBatchStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req batchRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.writeFrame(conn, streamMessage{Type: "error", Error: "invalid batch request"})
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeFrame(conn, streamMessage{Type: "error", Error: msg})
		return
	}

	var gone atomic.Bool
	go func() {
		// any read error, including a close frame, means the peer is gone
		for {
			if _, _, err := conn.NextReader(); err != nil {
				gone.Store(true)
				return
			}
		}
	}()

	job := s.market.RunBatch(r.Context(), req.Names, req.options(), req.Exhaustive, func(p batch.Progress) {
		if !gone.Load() {
			s.writeFrame(conn, streamMessage{Type: "progress", Progress: &p})
		}
	})
	if gone.Load() {
		s.logger.Info("batch stream closed by peer before completion", "job", job.ID)
		return
	}
	s.writeFrame(conn, streamMessage{Type: "done", Job: job})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
}

func (s *Server) writeFrame(conn *websocket.Conn, msg streamMessage) {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("stream write failed", "type", msg.Type, "error", err)
	}
}
