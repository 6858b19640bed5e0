package teamflowsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"teamflow/internal/feed"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// Subscribe streams committed changes of one project table from the
// server. The filter must select a project by project_id. The first
// connection is made before Subscribe returns; after a disconnect the
// stream reconnects with Last-Event-ID so no change is skipped while the
// server still retains it. When it no longer does, the handler receives an
// INSERT change without a row as a signal to reload. Handlers run on a
// single goroutine in order.
func (c *Client) Subscribe(table string, f feed.Filter, h feed.Handler) (func(), error) {
	if f.Column != "project_id" || f.Value == "" {
		return nil, fmt.Errorf("teamflowsdk: change streams are scoped by project_id, got %q", f.Column)
	}
	if h == nil {
		return nil, errors.New("teamflowsdk: handler is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{client: c, table: table, projectID: f.Value, handler: h}
	body, err := s.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx, body)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

type stream struct {
	client    *Client
	table     string
	projectID string
	handler   feed.Handler
	lastID    int64
	hasLastID bool
}

func (s *stream) connect(ctx context.Context) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("projects/%s/changes?table=%s", url.PathEscape(s.projectID), url.QueryEscape(s.table))
	req, err := s.client.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.hasLastID {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(s.lastID, 10))
	}
	// Streams are long-lived; only the transport of the configured client is reused.
	hc := &http.Client{Transport: s.client.httpClient().Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

func (s *stream) run(ctx context.Context, body io.ReadCloser) {
	delay := minReconnectDelay
	for {
		if body != nil {
			if s.read(ctx, body) {
				delay = minReconnectDelay
			}
			body.Close()
			body = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		var err error
		body, err = s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Permission and routing errors do not heal on retry.
			if IsStatus(err, http.StatusForbidden) || IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusBadRequest) {
				return
			}
			delay = min(delay*2, maxReconnectDelay)
		}
	}
}

// read dispatches events until the stream ends. It reports whether at
// least one change arrived.
func (s *stream) read(ctx context.Context, body io.Reader) bool {
	stop := context.AfterFunc(ctx, func() {
		if closer, ok := body.(io.Closer); ok {
			closer.Close()
		}
	})
	defer stop()

	reader := bufio.NewReader(body)
	var (
		got   bool
		id    string
		event string
		data  strings.Builder
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return got
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			switch event {
			case "", "change":
				if data.Len() > 0 && s.dispatch(id, data.String()) {
					got = true
				}
			case "ready":
				s.resumeFrom(id)
			case "reset":
				s.reset(id)
				got = true
			}
			id, event = "", ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id = value
		case "event":
			event = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
}

func (s *stream) resumeFrom(id string) {
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil || (s.hasLastID && seq <= s.lastID) {
		return
	}
	s.lastID, s.hasLastID = seq, true
}

// reset drops the resume position after the server lost the changes in
// between, adopts the server's current id and asks the handler to reload
// with an insert change, which carries no row.
func (s *stream) reset(id string) {
	s.lastID, s.hasLastID = 0, false
	s.resumeFrom(id)
	s.handler(feed.Change{Table: s.table, Type: feed.Insert})
}

func (s *stream) dispatch(id, data string) bool {
	var c feed.Change
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return false
	}
	if seq, err := strconv.ParseInt(id, 10, 64); err == nil {
		if s.hasLastID && seq <= s.lastID {
			return false
		}
		s.lastID, s.hasLastID = seq, true
	}
	s.handler(c)
	return true
}
