package mirror

import "sync"

// EventKind discriminates progress events emitted by the engine.
type EventKind int

const (
	EventStatus EventKind = iota
	EventProgress
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Counts are the per-run totals reported to the user once a run ends.
type Counts struct {
	Downloaded int `json:"downloaded"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
	Deleted    int `json:"deleted"`
}

// Event is one progress notification. Percent never decreases within a run.
type Event struct {
	Kind    EventKind
	Message string
	Percent float64
	Counts  Counts
}

// EventSink consumes engine events, typically to drive a progress UI.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Fixed progress bands.
const (
	percentDeleteEnd   = 15.0
	percentDownloadEnd = 95.0
	percentDone        = 100.0
)

// progressTracker is the single producer of events for a run. It clamps
// percentages so consumers always see a non-decreasing value.
type progressTracker struct {
	sink EventSink

	mu   sync.Mutex
	last float64
}

func newProgressTracker(sink EventSink) *progressTracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &progressTracker{sink: sink}
}

func (p *progressTracker) clamp(percent float64) float64 {
	if percent > percentDone {
		percent = percentDone
	}
	if percent < p.last {
		percent = p.last
	}
	p.last = percent
	return percent
}

func (p *progressTracker) current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *progressTracker) status(msg string, percent float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.Emit(Event{Kind: EventStatus, Message: msg, Percent: p.clamp(percent)})
}

func (p *progressTracker) progress(msg string, percent float64, counts Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.Emit(Event{Kind: EventProgress, Message: msg, Percent: p.clamp(percent), Counts: counts})
}

func (p *progressTracker) complete(counts Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.Emit(Event{Kind: EventComplete, Message: "Sync complete", Percent: p.clamp(percentDone), Counts: counts})
}

func (p *progressTracker) fail(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.Emit(Event{Kind: EventError, Message: msg, Percent: p.last})
}

// band maps done/total onto the [lo, hi] percentage range.
func band(lo, hi float64, done, total int) float64 {
	if total <= 0 {
		return hi
	}
	if done > total {
		done = total
	}
	return lo + (hi-lo)*float64(done)/float64(total)
}
