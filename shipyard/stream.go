package shipyard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/runlog"
)

const keepAlive = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams run events over a websocket: everything after ?cursor=
// first, then live events as they are recorded.
func (s *Shipyard) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")

	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil || c < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = c
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss", "cursor", cursor)

	ch, release := s.n.Subscribe()
	defer release()

	ctx := readUntilClosed(r.Context(), conn, l.Debug)

	// complete backfill first before going to live data
	if err := s.streamEvents(ctx, conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case _, ok := <-ch:
			if !ok {
				l.Info("stopping stream: server shutting down")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			if err := s.streamEvents(ctx, conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepAlive):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (s *Shipyard) streamEvents(ctx context.Context, conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := s.db.GetEvents(ctx, *cursor)
		if err != nil {
			return err
		}
		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.ID
		}
		// a full page may mean there is more
		if len(evts) < 100 {
			return nil
		}
	}
}

// readUntilClosed drains client frames so control messages are handled;
// the returned context ends when the client goes away.
func readUntilClosed(parent context.Context, conn *websocket.Conn, logf func(string, ...any)) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				logf("websocket read ended", "err", err)
				return
			}
		}
	}()
	return ctx
}

// Logs serves a run's JSON log. A websocket request follows the log until
// the run finishes; a plain request gets what has been written so far as
// newline-delimited JSON.
func (s *Shipyard) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	l := s.l.With("handler", "Logs", "run", id)
	path := models.LogFilePath(s.cfg.Reports.LogDir, id)

	if !websocket.IsWebSocketUpgrade(r) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no log for run")
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		err := runlog.Read(r.Context(), path, false, func(line models.LogLine) error {
			return enc.Encode(line)
		})
		if err != nil {
			l.Error("failed to read run log", "err", err)
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx := readUntilClosed(r.Context(), conn, l.Debug)
	err = runlog.Read(ctx, path, true, func(line models.LogLine) error {
		return conn.WriteJSON(line)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.Error("failed to follow run log", "err", err)
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
}
