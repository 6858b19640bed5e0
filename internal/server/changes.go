package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"teamflow/internal/access"
	"teamflow/internal/app"
	"teamflow/internal/engine"
	"teamflow/internal/feed"
)

const (
	changeBuffer      = 64
	keepAliveInterval = 15 * time.Second
)

// registerChanges streams committed row changes of one project as
// Server-Sent Events. Each event carries its feed sequence number as the
// SSE id, so a client reconnecting with Last-Event-ID resumes without gaps
// while the hub still retains the missed changes. Once any replay is
// written a "ready" event carries the id to resume from. When the requested
// id can no longer be replayed, because history was trimmed or the counter
// restarted, a "reset" event tells the client to reload instead. A client
// that falls more than changeBuffer events behind is disconnected and must
// resume.
func registerChanges(r chi.Router, basePath string, s *app.Services) {
	r.Get(path.Join(basePath, "projects/{project_id}/changes"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		projectID := chi.URLParam(req, "project_id")
		table := req.URL.Query().Get("table")
		if table == "" {
			table = engine.TableTasks
		}
		if table != engine.TableTasks && table != engine.TableMembers {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown table %q", table), nil))
			return
		}
		if _, err := s.Repo.GetProject(ctx, projectID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if err := s.Access.RequireRole(ctx, principal.UserID, access.ActionView, readRoles, projectID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming not supported", nil))
			return
		}

		filter := feed.Filter{Column: "project_id", Value: projectID}
		start, resume := lastEventID(req)
		reset := resume && !s.Feed.Retains(start)
		if !resume || reset {
			start = s.Feed.Seq()
		}
		events := make(chan feed.Change, changeBuffer)
		lagged := make(chan struct{})
		var lagOnce sync.Once
		unsub, err := s.Feed.Subscribe(table, filter, func(c feed.Change) {
			select {
			case events <- c:
			default:
				lagOnce.Do(func() { close(lagged) })
			}
		})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer unsub()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		if reset {
			s.Logger.Info().Str("project_id", projectID).Int64("seq", start).Msg("change stream cannot resume; resetting")
			fmt.Fprintf(w, "id: %d\nevent: reset\ndata: {}\n\n", start)
		}

		// Changes committed between reading start and subscribing are in
		// history but not in events.
		lastSent := start
		for _, c := range s.Feed.Since(table, filter, start) {
			if err := writeChange(w, c); err != nil {
				return
			}
			lastSent = c.Seq
		}
		fmt.Fprintf(w, "id: %d\nevent: ready\ndata: {}\n\n", lastSent)
		flusher.Flush()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-lagged:
				s.Logger.Warn().Str("user_id", principal.UserID).Str("project_id", projectID).Msg("change stream lagged; closing")
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case c := <-events:
				if c.Seq <= lastSent {
					continue
				}
				if err := writeChange(w, c); err != nil {
					return
				}
				lastSent = c.Seq
				flusher.Flush()
			}
		}
	})
}

func lastEventID(req *http.Request) (int64, bool) {
	raw := strings.TrimSpace(req.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(req.URL.Query().Get("last_event_id"))
	}
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeChange(w http.ResponseWriter, c feed.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", c.Seq, data)
	return err
}
