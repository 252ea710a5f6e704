package events

import (
	"sync"
	"time"
)

// Kind identifies which variant of the tagged union an Event carries.
type Kind string

const (
	KindDownloadStarted   Kind = "download.started"
	KindDownloadProgress  Kind = "download.progress"
	KindShardProgress     Kind = "shard.progress"
	KindDownloadCompleted Kind = "download.completed"
	KindDownloadFailed    Kind = "download.failed"
	KindDownloadCancelled Kind = "download.cancelled"
	KindServerStarted     Kind = "server.started"
	KindServerStopped     Kind = "server.stopped"
	KindServerError       Kind = "server.error"
	KindServerSnapshot    Kind = "server.snapshot"
)

// ServerSnapshotEntry is one running process summarized in a ServerSnapshot
// event, used to replay startup state to newly-attached subscribers.
type ServerSnapshotEntry struct {
	ModelID   string
	ModelName string
	Port      int
	StartedAt time.Time
	Healthy   bool
}

// Event is a tagged union value: exactly one field group is meaningful,
// selected by Kind. This mirrors the schema in the event stream contract —
// every variant carries its own named fields rather than a generic
// map[string]any payload, so bridges and subscribers get compile-time
// field checking.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// download.* fields
	DownloadID string

	// download.progress / shard.progress
	BytesDownloaded int64
	BytesTotal      int64
	SpeedBPS        float64

	// shard.progress only
	ShardIndex        int
	TotalShards       int
	ShardFilename     string
	ShardDownloaded   int64
	ShardTotal        int64
	AggregateDownloaded int64
	AggregateTotal      int64

	// download.completed
	CompletionDetail any // *types.CompletionDetail; kept as any to avoid an import cycle

	// download.failed
	ErrorMessage string

	// server.* fields
	ModelID   string
	ModelName string
	Port      int

	// server.snapshot
	Entries []ServerSnapshotEntry
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker is a single broadcast bus: emit never blocks the emitter, and slow
// subscribers may lose events. Callers needing durability must use the
// queue store or an explicit sink instead.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Emit publishes an event to all subscribers. It never blocks: if the
// broker's internal queue is full, the event is dropped.
func (b *Broker) Emit(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// internal queue full; drop rather than block the emitter.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, skip — documented drop behavior.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
