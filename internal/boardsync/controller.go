// Package boardsync keeps a local, filtered copy of the tasks table in step
// with the remote store. Mutations are applied locally first, written
// remotely, and rolled back on failure; change events from any client are
// merged as they arrive.
package boardsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teamflow/internal/access"
	"teamflow/internal/domain"
	"teamflow/internal/feed"
)

// Remote is the authoritative task store.
type Remote interface {
	QueryTasks(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Subscriber delivers change events for a table.
type Subscriber interface {
	Subscribe(table string, f feed.Filter, h feed.Handler) (func(), error)
}

type Permissions interface {
	CanEditTask(ctx context.Context, userID, taskID string) bool
	CanDeleteTask(ctx context.Context, userID, taskID string) bool
}

// Recorder writes the activity and notification side effects of a
// successful mutation.
type Recorder interface {
	RecordTaskChange(ctx context.Context, actorID string, before domain.Task, patch domain.TaskPatch)
	RecordTaskDeleted(ctx context.Context, actorID string, t domain.Task)
}

const (
	// Unbounded disables the WIP limit of a column.
	Unbounded = 999

	TasksTable = "tasks"

	// tombstone sorts after every timestamp, so events for deleted rows are stale.
	tombstone = "~"
)

type Column struct {
	Status   string `json:"status"`
	Title    string `json:"title"`
	WIPLimit int    `json:"wip_limit"`
	Locked   bool   `json:"locked"`
}

// Bounded reports whether the column enforces its WIP limit.
func (c Column) Bounded() bool {
	return c.WIPLimit > 0 && c.WIPLimit < Unbounded
}

// Config wires a Controller to its query, columns and collaborators.
type Config struct {
	Query       domain.TaskQuery
	Columns     []Column
	Remote      Remote
	Feed        Subscriber
	Permissions Permissions
	Recorder    Recorder
	ActorID     string
	// WriteTimeout bounds each remote write; expiry takes the rollback path.
	WriteTimeout time.Duration
	// OnChange runs after each change event is merged, without locks held.
	OnChange func()
	Logger   *zerolog.Logger
}

// pending is an optimistic mutation whose remote write has not returned.
// base tracks the latest remote version of the row underneath it.
type pending struct {
	token    uint64
	patch    domain.TaskPatch
	remove   bool
	base     domain.Task
	baseGone bool
}

// Controller keeps a local copy of one board query in sync with the remote
// store. Writes apply locally first and roll back when the remote rejects them.
type Controller struct {
	cfg    Config
	logger *zerolog.Logger

	mu          sync.Mutex
	query       domain.TaskQuery
	tasks       []domain.Task
	rev         uint64
	seen        map[string]string
	pending     map[string][]*pending
	nextToken   uint64
	unsubscribe func()
	baseCtx     context.Context
	cancel      context.CancelFunc
}

// New returns a stopped Controller; call Start to load and subscribe.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		query:   cfg.Query,
		seen:    make(map[string]string),
		pending: make(map[string][]*pending),
	}
}

// Start subscribes to the change feed and loads the board.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.baseCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q := c.query
	c.mu.Unlock()
	if err := c.subscribe(q); err != nil {
		return err
	}
	return c.Reload(ctx)
}

// Close stops reconciliation.
func (c *Controller) Close() {
	c.mu.Lock()
	unsub, cancel := c.unsubscribe, c.cancel
	c.unsubscribe, c.cancel = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

func (c *Controller) subscribe(q domain.TaskQuery) error {
	if c.cfg.Feed == nil {
		return nil
	}
	var f feed.Filter
	if q.ProjectID != "" {
		f = feed.Filter{Column: "project_id", Value: q.ProjectID}
	}
	unsub, err := c.cfg.Feed.Subscribe(TasksTable, f, c.HandleChange)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", TasksTable, err)
	}
	c.mu.Lock()
	prev := c.unsubscribe
	c.unsubscribe = unsub
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// SetQuery switches the view to a new filter and resynchronizes.
func (c *Controller) SetQuery(ctx context.Context, q domain.TaskQuery) error {
	if err := q.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	old := c.query
	c.query = q
	c.mu.Unlock()
	if old.ProjectID != q.ProjectID {
		if err := c.subscribe(q); err != nil {
			return err
		}
	}
	return c.Reload(ctx)
}

func (c *Controller) Query() domain.TaskQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query
}

// Reload replaces the board with a fresh remote read. A failed read leaves
// the board empty. Rows with writes in flight keep their local changes.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	q := c.query
	c.mu.Unlock()

	rows, err := c.cfg.Remote.QueryTasks(ctx, q)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.query != q {
		// The filter changed while loading; that change triggers its own reload.
		return nil
	}
	c.rev++
	if err != nil {
		c.tasks = nil
		c.logger.Error().Err(err).Str("project_id", q.ProjectID).Msg("load board")
		return fmt.Errorf("load board: %w", err)
	}
	next := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		if s, ok := c.seen[row.ID]; ok && s > row.UpdatedAt {
			if i := c.indexOf(row.ID); i >= 0 {
				next = append(next, c.tasks[i])
			}
			continue
		}
		c.seen[row.ID] = row.UpdatedAt
		c.rebase(row)
		if vis, ok := c.overlay(row.ID, row); ok && q.Matches(vis) {
			next = append(next, vis)
		}
	}
	q.Sort(next)
	c.tasks = next
	return nil
}

// Tasks returns a copy of the local board state in query order.
func (c *Controller) Tasks() []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tasks)
}

// Task returns the local copy of one task.
func (c *Controller) Task(id string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		return c.tasks[i], true
	}
	return domain.Task{}, false
}

// Columns returns the configured columns.
func (c *Controller) Columns() []Column {
	return slices.Clone(c.cfg.Columns)
}

// Lane is one column of the board with its tasks.
type Lane struct {
	Column Column        `json:"column"`
	Tasks  []domain.Task `json:"tasks"`
}

// Board groups the local tasks by column. Statuses without a configured
// column get a lane of their own after the configured ones.
func (c *Controller) Board() []Lane {
	tasks := c.Tasks()
	lanes := make([]Lane, 0, len(c.cfg.Columns))
	index := map[string]int{}
	for _, col := range c.cfg.Columns {
		index[col.Status] = len(lanes)
		lanes = append(lanes, Lane{Column: col, Tasks: []domain.Task{}})
	}
	for _, t := range tasks {
		i, ok := index[t.Status]
		if !ok {
			i = len(lanes)
			index[t.Status] = i
			lanes = append(lanes, Lane{Column: Column{Status: t.Status, Title: t.Status}, Tasks: []domain.Task{}})
		}
		lanes[i].Tasks = append(lanes[i].Tasks, t)
	}
	return lanes
}

// MoveTask changes a task's status.
func (c *Controller) MoveTask(ctx context.Context, id, status string) (domain.Task, error) {
	if cur, ok := c.Task(id); ok && cur.Status == status {
		return cur, nil
	}
	return c.UpdateTask(ctx, id, domain.TaskPatch{Status: &status})
}

// UpdateTask validates locally, checks edit permission, then applies patch
// optimistically. A rejected or failed write leaves the board as it was.
func (c *Controller) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	check := func(cur domain.Task) error {
		if patch.Status != nil {
			return c.checkMoveLocked(cur, *patch.Status)
		}
		return nil
	}
	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	cur := c.tasks[i]
	err := check(cur)
	c.mu.Unlock()
	if err != nil {
		return domain.Task{}, err
	}
	if patch.IsEmpty() {
		return cur, nil
	}
	if err := c.authorize(ctx, access.ActionEdit, id); err != nil {
		return domain.Task{}, err
	}
	before, after, err := c.runOptimistic(ctx, id, patch, false, check, func(ctx context.Context) (domain.Task, error) {
		return c.cfg.Remote.UpdateTask(ctx, id, patch)
	})
	if err != nil {
		return domain.Task{}, err
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordTaskChange(ctx, c.cfg.ActorID, before, patch)
	}
	return after, nil
}

// DeleteTask checks delete permission and removes the task optimistically.
func (c *Controller) DeleteTask(ctx context.Context, id string) error {
	if _, ok := c.Task(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := c.authorize(ctx, access.ActionDelete, id); err != nil {
		return err
	}
	before, _, err := c.runOptimistic(ctx, id, domain.TaskPatch{}, true, nil, func(ctx context.Context) (domain.Task, error) {
		return domain.Task{}, c.cfg.Remote.DeleteTask(ctx, id)
	})
	if err != nil {
		return err
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordTaskDeleted(ctx, c.cfg.ActorID, before)
	}
	return nil
}

// BulkUpdate applies patch to each task in order, stopping at the first
// failure. Earlier items stay updated.
func (c *Controller) BulkUpdate(ctx context.Context, ids []string, patch domain.TaskPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := c.UpdateTask(ctx, id, patch); err != nil {
			return &BulkError{Total: len(ids), Completed: slices.Clone(ids[:i]), FailedID: id, Err: err}
		}
	}
	return nil
}

// BulkDelete deletes each task in order, stopping at the first failure.
func (c *Controller) BulkDelete(ctx context.Context, ids []string) error {
	for i, id := range ids {
		if err := c.DeleteTask(ctx, id); err != nil {
			return &BulkError{Total: len(ids), Completed: slices.Clone(ids[:i]), FailedID: id, Err: err}
		}
	}
	return nil
}

func (c *Controller) authorize(ctx context.Context, action access.Action, id string) error {
	if c.cfg.Permissions == nil {
		return nil
	}
	switch action {
	case access.ActionDelete:
		if c.cfg.Permissions.CanDeleteTask(ctx, c.cfg.ActorID, id) {
			return nil
		}
		return access.DeniedError{UserID: c.cfg.ActorID, Action: action, Resource: "task " + id, Required: access.DeleteRoles, Attribute: []string{"creator"}}
	default:
		if c.cfg.Permissions.CanEditTask(ctx, c.cfg.ActorID, id) {
			return nil
		}
		return access.DeniedError{UserID: c.cfg.ActorID, Action: action, Resource: "task " + id, Required: access.EditRoles, Attribute: []string{"creator", "assignee"}}
	}
}

func (c *Controller) column(status string) (Column, bool) {
	if len(c.cfg.Columns) == 0 {
		return Column{Status: status, Title: status}, true
	}
	for _, col := range c.cfg.Columns {
		if col.Status == status {
			return col, true
		}
	}
	return Column{}, false
}

// checkMoveLocked enforces column rules against the local board. Caller holds c.mu.
func (c *Controller) checkMoveLocked(t domain.Task, status string) error {
	if t.Status == status {
		return nil
	}
	dest, ok := c.column(status)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, status)
	}
	if src, ok := c.column(t.Status); ok && src.Locked {
		return fmt.Errorf("%w: %s", ErrColumnLocked, src.Status)
	}
	if !dest.Bounded() {
		return nil
	}
	n := 0
	for _, other := range c.tasks {
		if other.Status == status {
			n++
		}
	}
	if n >= dest.WIPLimit {
		return fmt.Errorf("%w: %s holds %d of %d", ErrWIPLimitReached, status, n, dest.WIPLimit)
	}
	return nil
}

// runOptimistic is the single mutation protocol: snapshot, apply locally,
// commit remotely outside the lock, then merge the committed row or roll back.
// When nothing else touched the board in between, rollback restores the
// snapshot exactly; otherwise only the affected row is restored.
func (c *Controller) runOptimistic(ctx context.Context, id string, patch domain.TaskPatch, remove bool,
	check func(domain.Task) error, commit func(context.Context) (domain.Task, error)) (domain.Task, domain.Task, error) {

	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return domain.Task{}, domain.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	before := c.tasks[i]
	if check != nil {
		if err := check(before); err != nil {
			c.mu.Unlock()
			return domain.Task{}, domain.Task{}, err
		}
	}
	snapshot := slices.Clone(c.tasks)
	p := &pending{patch: patch, remove: remove, base: before}
	if others := c.pending[id]; len(others) > 0 {
		p.base, p.baseGone = others[0].base, others[0].baseGone
	}
	c.nextToken++
	p.token = c.nextToken
	c.pending[id] = append(c.pending[id], p)
	c.removeRow(id)
	if !remove {
		if vis := patch.Apply(before); c.query.Matches(vis) {
			c.insertRow(vis)
		}
	}
	c.rev++
	rev := c.rev
	c.mu.Unlock()

	wctx := ctx
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	after, err := commit(wctx)

	c.mu.Lock()
	c.dropPending(id, p.token)
	if err != nil {
		if c.rev == rev {
			c.tasks = snapshot
		} else {
			c.restoreLocked(id, p)
		}
		c.rev++
		c.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("remote write timed out after %s: %w", c.cfg.WriteTimeout, err)
		}
		c.logger.Warn().Err(err).Str("task_id", id).Bool("delete", remove).Msg("optimistic write rolled back")
		return before, domain.Task{}, err
	}
	reload := false
	if remove {
		c.seen[id] = tombstone
		for _, o := range c.pending[id] {
			o.baseGone = true
		}
		c.removeRow(id)
		c.rev++
	} else if c.staleLocked(after) {
		// A newer remote version arrived while the write was in flight and
		// rebased p; rebuild from it so the committed row cannot win.
		present := c.indexOf(id) >= 0
		c.restoreLocked(id, p)
		reload = c.query.Paginated() && present != (c.indexOf(id) >= 0)
		c.rev++
	} else {
		reload = c.mergeLocked(after)
	}
	c.mu.Unlock()
	if reload {
		if err := c.Reload(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("reload after write")
		}
	}
	return before, after, nil
}

// restoreLocked puts back the remote version of a row after its write failed.
func (c *Controller) restoreLocked(id string, p *pending) {
	c.removeRow(id)
	if p.baseGone {
		return
	}
	if vis, ok := c.overlay(id, p.base); ok && c.query.Matches(vis) {
		c.insertRow(vis)
	}
}

// staleLocked reports whether the board already holds a newer version of row.
func (c *Controller) staleLocked(row domain.Task) bool {
	s, ok := c.seen[row.ID]
	return ok && s > row.UpdatedAt
}

func (c *Controller) dropPending(id string, token uint64) {
	list := c.pending[id]
	for i, p := range list {
		if p.token == token {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.pending, id)
	} else {
		c.pending[id] = list
	}
}

// rebase records a new remote version under any in-flight writes for its row.
func (c *Controller) rebase(row domain.Task) {
	for _, p := range c.pending[row.ID] {
		p.base = row
		p.baseGone = false
	}
}

// overlay applies in-flight patches to base. ok is false when an in-flight
// delete hides the row.
func (c *Controller) overlay(id string, base domain.Task) (domain.Task, bool) {
	for _, p := range c.pending[id] {
		if p.remove {
			return domain.Task{}, false
		}
		base = p.patch.Apply(base)
	}
	return base, true
}

func (c *Controller) indexOf(id string) int {
	for i, t := range c.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) removeRow(id string) {
	if i := c.indexOf(id); i >= 0 {
		c.tasks = slices.Delete(c.tasks, i, i+1)
	}
}

func (c *Controller) insertRow(t domain.Task) {
	i, _ := slices.BinarySearchFunc(c.tasks, t, func(a, b domain.Task) int {
		switch {
		case c.query.Less(a, b):
			return -1
		case c.query.Less(b, a):
			return 1
		}
		return 0
	})
	c.tasks = slices.Insert(c.tasks, i, t)
}
