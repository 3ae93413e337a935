// Package events implements the typed, synchronous event bus described in
// spec.md §4/§5/§6. Publishers call into registered sinks directly — there
// is no internal queue — so a task's structured events are always observed
// in the order they were published.
//
// The fanout design (a sync.Map of subscribers) mirrors the teacher's
// websocket.Broadcaster (internal/server/websocket/broadcaster.go), but
// delivery is synchronous: each sink is called in turn on the publisher's
// goroutine, so a slow sink delays the publisher and every later sink.
package events

import (
	"sync"
	"sync/atomic"
)

// Event is implemented by every structured event variant in the catalogue
// (spec.md §6): Task, Progress, Policy, Transport, and Strategy categories.
type Event interface {
	// Category returns the top-level tag ("task", "progress", "policy",
	// "transport", "strategy") used by sinks that only care about one slice
	// of the event schema.
	Category() string
}

// ---- Task category ---------------------------------------------------

type TaskStarted struct {
	ID   string
	Kind string
}

func (TaskStarted) Category() string { return "task" }

type TaskCompleted struct{ ID string }

func (TaskCompleted) Category() string { return "task" }

type TaskCanceled struct{ ID string }

func (TaskCanceled) Category() string { return "task" }

type TaskFailed struct {
	ID      string
	Category string
	Code    string
	Message string
}

func (TaskFailed) Category() string { return "task" }

// ---- Progress category --------------------------------------------------

// GitProgress reports incremental progress from the embedded Git library's
// own sideband progress stream during clone/fetch/push (spec.md §5's
// ordering guarantee lists Progress as a peer of Strategy/Transport events
// between Started and the terminal event). Phase is go-git's own stage
// label (e.g. "Counting objects", "Compressing objects", "Receiving
// objects"); ObjectsTotal/BytesDone are 0 when the server did not report
// them for that phase.
type GitProgress struct {
	ID           string
	Phase        string
	ObjectsDone  int
	ObjectsTotal int
	BytesDone    int64
}

func (GitProgress) Category() string { return "progress" }

// ---- Policy category ---------------------------------------------------

type RetryApplied struct {
	ID      string
	Code    string
	Changed []string
}

func (RetryApplied) Category() string { return "policy" }

// ---- Transport category -------------------------------------------------

type PartialFilterCapability struct {
	ID        string
	Supported bool
}

func (PartialFilterCapability) Category() string { return "transport" }

type PartialFilterUnsupported struct {
	ID        string
	Requested string
}

func (PartialFilterUnsupported) Category() string { return "transport" }

type PartialFilterFallback struct {
	ID      string
	Shallow bool
	Message string
}

func (PartialFilterFallback) Category() string { return "transport" }

// ---- Strategy category --------------------------------------------------

type HttpApplied struct {
	ID      string
	Changed []string
}

func (HttpApplied) Category() string { return "strategy" }

type TlsApplied struct {
	ID      string
	Changed []string
}

func (TlsApplied) Category() string { return "strategy" }

type Conflict struct {
	ID      string
	Code    string
	Message string
}

func (Conflict) Category() string { return "strategy" }

type Summary struct {
	ID   string
	Tags []string
}

func (Summary) Category() string { return "strategy" }

type AdaptiveTlsRollout struct {
	ID       string
	Host     string
	Included bool
	Percent  int
}

func (AdaptiveTlsRollout) Category() string { return "strategy" }

type IgnoredFields struct {
	ID     string
	Fields []string
}

func (IgnoredFields) Category() string { return "strategy" }

type AdaptiveTlsTiming struct {
	ID             string
	ConnectMs      int64
	TlsMs          int64
	FirstByteMs    int64
	TotalMs        int64
	CertFPChanged  bool
}

func (AdaptiveTlsTiming) Category() string { return "strategy" }

type CertFingerprintChanged struct {
	Host string
	SPKI string
	Cert string
}

func (CertFingerprintChanged) Category() string { return "strategy" }

type CertFpPinMismatch struct {
	Host string
}

func (CertFpPinMismatch) Category() string { return "strategy" }

type IpPoolSelection struct {
	Host         string
	Port         int
	Strategy     string
	Chosen       string
	Alternatives []string
}

func (IpPoolSelection) Category() string { return "strategy" }

type IpPoolRefresh struct {
	Host string
	Port int
}

func (IpPoolRefresh) Category() string { return "strategy" }

type IpPoolIpTripped struct {
	IP string
}

func (IpPoolIpTripped) Category() string { return "strategy" }

type IpPoolIpRecovered struct {
	IP string
}

func (IpPoolIpRecovered) Category() string { return "strategy" }

type IpPoolAutoDisable struct {
	Reason     string
	DurationMs int64
}

func (IpPoolAutoDisable) Category() string { return "strategy" }

type IpPoolAutoEnable struct{}

func (IpPoolAutoEnable) Category() string { return "strategy" }

type IpPoolConfigUpdate struct {
	Fields []string
}

func (IpPoolConfigUpdate) Category() string { return "strategy" }

type IpPoolCidrFilter struct {
	IP       string
	ListType string
	Cidr     string
}

func (IpPoolCidrFilter) Category() string { return "strategy" }

// ---- Bus ------------------------------------------------------------

// Sink receives every event published on a Bus. Implementations must not
// block for long: a slow sink delays every other subscriber and, for
// synchronous in-process sinks, the publisher itself.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Bus is a synchronous, typed publish/fanout point. The zero value is not
// usable; create one with New.
type Bus struct {
	seq  atomic.Uint64
	subs sync.Map // subscription id (uint64) -> Sink
}

// New creates an empty Bus with no subscribers.
func New() *Bus {
	return &Bus{}
}

// Subscription identifies a registered sink so it can be removed later.
type Subscription uint64

// Subscribe registers sink and returns a Subscription handle for Unsubscribe.
func (b *Bus) Subscribe(sink Sink) Subscription {
	id := b.seq.Add(1)
	b.subs.Store(id, sink)
	return Subscription(id)
}

// Unsubscribe removes a previously registered sink. It is a no-op if sub was
// already removed.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.subs.Delete(uint64(sub))
}

// Publish calls every registered sink's Publish method with e, in
// unspecified order. Cross-task ordering is not guaranteed (spec.md §5);
// within one task, callers are responsible for calling Publish in the order
// the events actually occurred.
func (b *Bus) Publish(e Event) {
	b.subs.Range(func(_, v any) bool {
		v.(Sink).Publish(e)
		return true
	})
}

// Recorder is an in-memory Sink used by tests and diagnostics to capture
// every event published on a Bus.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a snapshot of every event recorded so far, in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
