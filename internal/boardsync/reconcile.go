package boardsync

import (
	"encoding/json"
	"fmt"

	"teamflow/internal/domain"
	"teamflow/internal/feed"
)

// HandleChange merges one change event into the board. Inserts trigger a
// full reload, updates are merged by id and deletes drop the row. Events
// older than what the board already holds are ignored, so replays are
// harmless.
func (c *Controller) HandleChange(ch feed.Change) {
	if ch.Table != "" && ch.Table != TasksTable {
		return
	}
	if c.cfg.OnChange != nil {
		defer c.cfg.OnChange()
	}
	switch ch.Type {
	case feed.Insert:
		c.mu.Lock()
		ctx := c.baseCtx
		c.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if err := c.Reload(ctx); err != nil {
			c.logger.Warn().Err(err).Int64("seq", ch.Seq).Msg("reload on insert")
		}
	case feed.Update:
		var row domain.Task
		if err := json.Unmarshal(ch.New, &row); err != nil || row.ID == "" {
			c.logger.Warn().Err(err).Int64("seq", ch.Seq).Msg("malformed update event")
			return
		}
		c.mu.Lock()
		reload := c.mergeLocked(row)
		ctx := c.baseCtx
		c.mu.Unlock()
		if reload && ctx != nil && ctx.Err() == nil {
			if err := c.Reload(ctx); err != nil {
				c.logger.Warn().Err(err).Int64("seq", ch.Seq).Msg("reload on update")
			}
		}
	case feed.Delete:
		id, err := deletedID(ch)
		if err != nil {
			c.logger.Warn().Err(err).Int64("seq", ch.Seq).Msg("malformed delete event")
			return
		}
		c.mu.Lock()
		c.seen[id] = tombstone
		for _, p := range c.pending[id] {
			p.baseGone = true
		}
		c.removeRow(id)
		c.rev++
		c.mu.Unlock()
	default:
		c.logger.Debug().Str("type", string(ch.Type)).Msg("ignored change")
	}
}

func deletedID(ch feed.Change) (string, error) {
	if id := ch.Keys["id"]; id != "" {
		return id, nil
	}
	var old struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ch.Old, &old); err != nil {
		return "", err
	}
	if old.ID == "" {
		return "", fmt.Errorf("delete event without id")
	}
	return old.ID, nil
}

// mergeLocked folds a remote row into the board. It returns true when the
// view is a page and the row entered or left it, which needs a reload to
// refill the window. Caller holds c.mu.
func (c *Controller) mergeLocked(row domain.Task) bool {
	if c.staleLocked(row) {
		return false
	}
	c.seen[row.ID] = row.UpdatedAt
	c.rebase(row)
	vis, visible := c.overlay(row.ID, row)
	matches := visible && c.query.Matches(vis)
	present := c.indexOf(row.ID) >= 0
	if c.query.Paginated() && present != matches {
		return true
	}
	c.removeRow(row.ID)
	if matches {
		c.insertRow(vis)
	}
	c.rev++
	return false
}
