package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads only serve to observe the peer closing.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("event stream ended", slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := s.backend.Subscribe(ctx, after)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updates:
			if !ok {
				// The subscriber fell too far behind; the client resumes from
				// its last seq.
				return conn.Close(websocket.StatusTryAgainLater, "subscriber dropped")
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, n)
			cancelWrite()
			if err != nil {
				return err
			}
		}
	}
}
