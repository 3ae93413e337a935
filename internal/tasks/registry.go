// Package tasks implements the Task Registry of spec.md §4.13: it owns the
// set of in-flight Git operations, allocates UUID task IDs and cooperative
// cancel tokens, drives lifecycle state transitions with idempotent event
// emission, and applies per-task strategy overrides and the partial-filter
// capability fallback.
//
// The lifecycle/fan-out shape follows the teacher's internal/agent
// orchestrator (internal/agent/agent.go): a central owner that starts a
// worker per unit of work and funnels its outcome back through one event
// path, generalized here from "one agent, many watchers" to "one registry,
// many concurrent tasks".
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adaptive-git/transport-core/internal/coreerr"
	"github.com/adaptive-git/transport-core/internal/events"
)

// Kind is one of the Git operation kinds spec.md §4.13's SUPPLEMENTED
// FEATURES section names as the discriminator an external orchestrator
// composes on: GitClone, GitFetch, GitPush.
type Kind string

const (
	KindGitClone Kind = "GitClone"
	KindGitFetch Kind = "GitFetch"
	KindGitPush  Kind = "GitPush"
)

// State is a task's lifecycle state (spec.md §3 Entities: Task meta).
type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCanceled  State = "Canceled"
)

// CancelToken is a cooperatively-checked cancellation flag. Workers observe
// it at progress checkpoints and between retry attempts (spec.md §5); it
// never interrupts a blocking syscall in progress.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCancelToken() CancelToken {
	ctx, cancel := context.WithCancel(context.Background())
	return CancelToken{ctx: ctx, cancel: cancel}
}

// Cancelled reports whether Cancel has been called.
func (t CancelToken) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is cancelled, for use in
// select statements alongside other blocking operations.
func (t CancelToken) Done() <-chan struct{} { return t.ctx.Done() }

// lifecycleFlags guards idempotent emission of the one-per-task Started/
// Completed/Canceled/Failed events (spec.md §4.13) against duplicate calls
// from overlapping fallback/retry code paths.
type lifecycleFlags struct {
	started   bool
	completed bool
	canceled  bool
	failed    bool
}

// Meta is a cloneable snapshot of one task's state, returned by Snapshot
// and List.
type Meta struct {
	ID         string
	Kind       Kind
	State      State
	CreatedAt  time.Time
	FailReason string
}

// task is the registry's internal, mutable record; Meta is its exported
// read-only projection.
type task struct {
	mu         sync.Mutex
	id         string
	kind       Kind
	state      State
	createdAt  time.Time
	failReason string
	token      CancelToken
	flags      lifecycleFlags
}

func (t *task) snapshot() Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Meta{
		ID:         t.id,
		Kind:       t.kind,
		State:      t.state,
		CreatedAt:  t.createdAt,
		FailReason: t.failReason,
	}
}

// Registry owns the set of in-flight and recently finished tasks.
type Registry struct {
	bus *events.Bus

	mu    sync.RWMutex
	tasks map[string]*task
}

// New constructs an empty Registry. bus may be nil, in which case lifecycle
// events are computed but never published (useful for tests that only
// assert on Snapshot/List state).
func New(bus *events.Bus) *Registry {
	return &Registry{bus: bus, tasks: make(map[string]*task)}
}

// Create allocates a UUID task id and cancel token for kind, records it in
// state Pending, and returns both for the caller to pass to Spawn.
func (r *Registry) Create(kind Kind) (id string, token CancelToken) {
	id = uuid.NewString()
	t := &task{
		id:        id,
		kind:      kind,
		state:     StatePending,
		createdAt: time.Now(),
		token:     newCancelToken(),
	}
	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()
	return id, t.token
}

// Worker is the function a caller supplies to Spawn: it performs the
// actual Git operation, observing token for cooperative cancellation, and
// returns a classified error (or nil on success).
type Worker func(ctx context.Context, token CancelToken) error

// Spawn transitions id from Pending to Running (or, if the token was
// already cancelled before Spawn ran, straight to Canceled without
// invoking worker) and runs worker in its own goroutine, routing the
// outcome through markCompleted/markFailed/markCanceled. It returns
// immediately; callers observe completion via Snapshot or the event bus.
func (r *Registry) Spawn(id string, worker Worker) {
	t := r.lookup(id)
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.token.Cancelled() {
		t.mu.Unlock()
		r.markCanceled(t)
		return
	}
	t.state = StateRunning
	t.mu.Unlock()
	r.emitStarted(t)

	go func() {
		err := worker(t.token.ctx, t.token)
		switch {
		case err == nil:
			r.markCompleted(t)
		case coreerr.KindOf(err) == coreerr.Cancel || t.token.Cancelled():
			r.markCanceled(t)
		default:
			r.markFailed(t, err)
		}
	}()
}

// Cancel signals id's cancel token and reports whether a task with that id
// was found. The worker observes the signal at its next checkpoint; Cancel
// itself does not block waiting for that to happen.
func (r *Registry) Cancel(id string) bool {
	t := r.lookup(id)
	if t == nil {
		return false
	}
	t.token.cancel()
	t.mu.Lock()
	alreadyTerminal := t.state == StateCompleted || t.state == StateFailed || t.state == StateCanceled
	t.mu.Unlock()
	if !alreadyTerminal {
		r.markCanceled(t)
	}
	return true
}

// Snapshot returns a cloneable read of id's current state, or false if no
// such task exists.
func (r *Registry) Snapshot(id string) (Meta, bool) {
	t := r.lookup(id)
	if t == nil {
		return Meta{}, false
	}
	return t.snapshot(), true
}

// List returns a snapshot of every known task, in no particular order.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

func (r *Registry) lookup(id string) *task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

func (r *Registry) emitStarted(t *task) {
	t.mu.Lock()
	if t.flags.started {
		t.mu.Unlock()
		return
	}
	t.flags.started = true
	kind := t.kind
	id := t.id
	t.mu.Unlock()
	r.publish(events.TaskStarted{ID: id, Kind: string(kind)})
}

func (r *Registry) markCompleted(t *task) {
	t.mu.Lock()
	if t.flags.completed || t.flags.canceled || t.flags.failed {
		t.mu.Unlock()
		return
	}
	t.flags.completed = true
	t.state = StateCompleted
	id := t.id
	t.mu.Unlock()
	r.publish(events.TaskCompleted{ID: id})
}

func (r *Registry) markCanceled(t *task) {
	t.mu.Lock()
	if t.flags.completed || t.flags.canceled || t.flags.failed {
		t.mu.Unlock()
		return
	}
	t.flags.canceled = true
	t.state = StateCanceled
	id := t.id
	t.mu.Unlock()
	r.publish(events.TaskCanceled{ID: id})
}

func (r *Registry) markFailed(t *task, err error) {
	t.mu.Lock()
	if t.flags.completed || t.flags.canceled || t.flags.failed {
		t.mu.Unlock()
		return
	}
	t.flags.failed = true
	t.state = StateFailed
	id := t.id

	kind := coreerr.KindOf(err)
	code := ""
	if ce, ok := err.(*coreerr.Error); ok {
		code = ce.Code
	}
	t.failReason = err.Error()
	t.mu.Unlock()

	r.publish(events.TaskFailed{ID: id, Category: string(kind), Code: code, Message: err.Error()})
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
