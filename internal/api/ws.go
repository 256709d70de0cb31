package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/llm"
	"reviewgenius/internal/services"
)

const (
	writeWait      = 10 * time.Second
	requestWait    = 60 * time.Second
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsDone is the last message of a websocket stream.
type wsDone struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// handleGradeWS grades the exam sent as the first message and pushes every
// event as its own text message.
func (s *Server) handleGradeWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, func(ctx context.Context, conn *websocket.Conn, msg []byte) error {
		var payload gradeRequest
		if err := json.Unmarshal(msg, &payload); err != nil {
			return fmt.Errorf("%w: invalid payload: %w", llm.ErrInvalidInput, err)
		}
		src, finish, err := s.grade(ctx, payload)
		if err != nil {
			return err
		}
		if !pushEvents(ctx, conn, src) {
			return nil
		}
		done := wsDone{Type: "done"}
		if job := finish(ctx); job != nil {
			done.JobID = job.ID
		}
		return writeWS(conn, done)
	})
}

func (s *Server) handleRegenerateWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, func(ctx context.Context, conn *websocket.Conn, msg []byte) error {
		var payload regenerateRequest
		if err := json.Unmarshal(msg, &payload); err != nil {
			return fmt.Errorf("%w: invalid payload: %w", llm.ErrInvalidInput, err)
		}
		src, err := s.regenerate(ctx, payload)
		if err != nil {
			return err
		}
		if !pushEvents(ctx, conn, src) {
			return nil
		}
		return writeWS(conn, wsDone{Type: "done"})
	})
}

// serveWS upgrades the request, reads the first message and runs session
// with it. The session context is canceled when the client closes the
// connection or goes away. An error from session is reported as one error
// event.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, session func(context.Context, *websocket.Conn, []byte) error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(requestWait))

	ctx, cancel := s.requestContext(r)
	defer cancel()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "websocket closed before request"}, log.KV{K: "err", V: err.Error()})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Clients send nothing after the request; reading only watches for
	// the close frame or a dropped connection.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := session(ctx, conn, msg); err != nil {
		if ctx.Err() != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "websocket session canceled"}, log.KV{K: "err", V: err.Error()})
		} else {
			log.Error(ctx, err, log.KV{K: "msg", V: "websocket session failed"})
			_ = writeWS(conn, services.FailureEvent(err))
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	_ = conn.Close()
	<-readerDone
}

// pushEvents writes src to conn. It reports whether src was drained.
func pushEvents(ctx context.Context, conn *websocket.Conn, src jsonstream.EventSource) bool {
	defer src.Close()
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "event stream canceled"}, log.KV{K: "err", V: err.Error()})
				return false
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "event stream aborted"})
			_ = writeWS(conn, services.FailureEvent(err))
			return false
		}
		if err := writeWS(conn, ev); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "client went away"}, log.KV{K: "err", V: err.Error()})
			return false
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
