package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/tasks"
)

const wsWriteTimeout = 5 * time.Second

// handleTaskEvents streams progress events for one task over a websocket.
// The stream starts with the task's current state, then forwards registry
// events, and closes once the task is terminal.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.tasks.Get(taskID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		respondDomainError(w, err)
		return
	}

	// Subscribe first, then snapshot, so a transition landing in between
	// shows up in the snapshot instead of vanishing.
	events, unsubscribe := s.tasks.Subscribe(taskID)
	defer unsubscribe()

	task, err := s.tasks.Get(taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine: we never expect client messages, but reading is what
	// surfaces the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := tasks.Event{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  task.Message,
		Error:    task.Error,
	}
	if !s.writeEvent(conn, snapshot) {
		return
	}
	if task.Status.Terminal() {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !s.writeEvent(conn, evt) {
				return
			}
			if evt.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, evt tasks.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(evt); err != nil {
		return false
	}
	return true
}
