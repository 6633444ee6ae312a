// Package logstream fans deployment output out to live subscribers while
// appending every line to the durable transcript.
package logstream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"capstan/internal/domain"
	"capstan/internal/logger"
)

type CloseReason string

const (
	// CloseCompleted is delivered after the terminal sentinel line.
	CloseCompleted CloseReason = "completed"
	// CloseBackpressure is delivered to a subscriber that could not keep up
	// and was dropped so the writer never blocks.
	CloseBackpressure CloseReason = "backpressure_disconnect"
)

// Subscription is one live view onto a deployment's output. Backlog holds
// everything stored before the subscription attached; Lines carries the live
// tail from that point on, with no gap or overlap between the two.
type Subscription struct {
	ID      string
	Backlog []domain.LogLine
	Lines   <-chan domain.LogLine
	Done    <-chan CloseReason
}

type subscriber struct {
	id    string
	lines chan domain.LogLine
	done  chan CloseReason
	dead  bool
}

// feed is the single-writer state for one running deployment. mu guards seq
// assignment, the durable append and subscriber attach/detach together, which
// is what makes backlog-then-live delivery gapless.
type feed struct {
	mu       sync.Mutex
	seq      int64
	subs     map[string]*subscriber
	closed   bool
	degraded bool
}

type Hub struct {
	mu    sync.RWMutex
	feeds map[string]*feed

	store   domain.TranscriptStore
	bufSize int
	log     logger.Logger
}

func NewHub(store domain.TranscriptStore, bufSize int, log logger.Logger) *Hub {
	return &Hub{
		feeds:   make(map[string]*feed),
		store:   store,
		bufSize: bufSize,
		log:     log,
	}
}

// Open registers a deployment as live. Must be called by the owning worker
// before its first Publish.
func (h *Hub) Open(deploymentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.feeds[deploymentID]; !ok {
		h.feeds[deploymentID] = &feed{subs: make(map[string]*subscriber)}
	}
}

// Publish appends one line to the transcript and fans it out. Only the stage
// driving the deployment may call this, so seq assignment needs no further
// coordination. A failing transcript write degrades the deployment to
// live-only delivery instead of failing it.
func (h *Hub) Publish(ctx context.Context, deploymentID string, stream domain.LogStream, text string) {
	f := h.feed(deploymentID)
	if f == nil {
		h.log.Warn("logstream: publish on unknown deployment", "deployment_id", deploymentID)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.seq++
	line := domain.LogLine{
		Seq:       f.seq,
		Stream:    stream,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	if err := h.store.Append(ctx, deploymentID, line); err != nil {
		if !f.degraded {
			f.degraded = true
			h.log.Error("logstream: transcript append failed, degrading to live-only",
				"deployment_id", deploymentID, "error", err)
		}
	}

	h.fanOut(f, line)
}

// Close emits the terminal sentinel line and ends all live subscriptions.
// The stored transcript stays readable.
func (h *Hub) Close(ctx context.Context, deploymentID string, finalText string) {
	f := h.feed(deploymentID)
	if f == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.seq++
	line := domain.LogLine{
		Seq:       f.seq,
		Stream:    domain.StreamSystem,
		Text:      finalText,
		Timestamp: time.Now().UTC(),
	}

	if err := h.store.Append(ctx, deploymentID, line); err != nil {
		h.log.Error("logstream: final transcript append failed",
			"deployment_id", deploymentID, "error", err)
	}

	h.fanOut(f, line)
	f.closed = true

	for id, sub := range f.subs {
		if !sub.dead {
			sub.done <- CloseCompleted
			close(sub.lines)
		}
		delete(f.subs, id)
	}

	h.mu.Lock()
	delete(h.feeds, deploymentID)
	h.mu.Unlock()
}

// Subscribe replays the stored transcript and attaches to the live tail.
// For a deployment that is not running the backlog is the whole story and
// Done fires immediately.
func (h *Hub) Subscribe(ctx context.Context, deploymentID string) (*Subscription, error) {
	f := h.feed(deploymentID)

	if f == nil {
		backlog, err := h.store.Range(ctx, deploymentID, 0, -1)
		if err != nil {
			return nil, err
		}

		lines := make(chan domain.LogLine)
		close(lines)
		done := make(chan CloseReason, 1)
		done <- CloseCompleted

		return &Subscription{
			ID:      uuid.NewString(),
			Backlog: backlog,
			Lines:   lines,
			Done:    done,
		}, nil
	}

	// Holding the feed lock across the backlog read pins the boundary
	// between stored history and live tail.
	f.mu.Lock()
	defer f.mu.Unlock()

	backlog, err := h.store.Range(ctx, deploymentID, 0, -1)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:    uuid.NewString(),
		lines: make(chan domain.LogLine, h.bufSize),
		done:  make(chan CloseReason, 1),
	}
	f.subs[sub.id] = sub

	return &Subscription{
		ID:      sub.id,
		Backlog: backlog,
		Lines:   sub.lines,
		Done:    sub.done,
	}, nil
}

// Unsubscribe detaches a live subscriber, typically when its connection
// goes away.
func (h *Hub) Unsubscribe(deploymentID, subID string) {
	f := h.feed(deploymentID)
	if f == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subs[subID]; ok {
		if !sub.dead {
			close(sub.lines)
		}
		delete(f.subs, subID)
	}
}

// fanOut delivers to every live subscriber without ever blocking. A full
// buffer drops that subscriber with a backpressure disconnect.
func (h *Hub) fanOut(f *feed, line domain.LogLine) {
	for id, sub := range f.subs {
		if sub.dead {
			continue
		}

		select {
		case sub.lines <- line:
		default:
			sub.dead = true
			sub.done <- CloseBackpressure
			close(sub.lines)
			delete(f.subs, id)
			h.log.Warn("logstream: dropping slow subscriber", "subscriber_id", id)
		}
	}
}

func (h *Hub) feed(deploymentID string) *feed {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.feeds[deploymentID]
}
