package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/progress"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

// handleProgressWS pushes a snapshot whenever progress changes and closes the
// connection once the run has finished or been collected.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	first, err := s.snapshot(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept", zap.Int64("run", runID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Reads are not expected; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	if err := s.stream(ctx, conn, runID, first); err != nil {
		if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
			s.logger.Debug("progress stream ended", zap.Int64("run", runID), zap.Error(err))
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "run finished")
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, runID int64, last progressResponse) error {
	if err := s.push(ctx, conn, last); err != nil {
		return err
	}
	if done(last) {
		return nil
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		cur, err := s.snapshot(ctx, runID)
		if err != nil {
			return err
		}
		if cur != last {
			if err := s.push(ctx, conn, cur); err != nil {
				return err
			}
			last = cur
		}
		if done(cur) {
			return nil
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn, v progressResponse) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// done reports whether no further progress change can come. A run collected
// with failures never reaches 100%, so the stored state ends the stream too.
func done(p progressResponse) bool {
	if p.State == progress.StateFinished {
		return true
	}
	return p.RunState == store.RunComplete || p.RunState == store.RunCompletedWithErrors
}
