// internal/websocket/hub.go
package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"iot-telemetry-hub/internal/data"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Subscriber is a live connection that accepts outbound messages.
// Enqueue must not block.
type Subscriber interface {
	Enqueue(message []byte) error
	Close()
}

// Broadcaster keeps live subscribers partitioned by tenant and fans
// messages out to one partition at a time. It does not queue, persist or
// replay messages.
type Broadcaster struct {
	mu         sync.Mutex
	partitions map[int64]map[Subscriber]struct{}
	log        *slog.Logger
}

func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		partitions: make(map[int64]map[Subscriber]struct{}),
		log:        log,
	}
}

// Register adds sub to the tenant's partition, creating it if needed.
func (b *Broadcaster) Register(sub Subscriber, tenantID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[tenantID]
	if !ok {
		p = make(map[Subscriber]struct{})
		b.partitions[tenantID] = p
	}
	p[sub] = struct{}{}
	b.log.Info("subscriber registered", "tenant_id", tenantID, "subscribers", len(p))
}

// Unregister removes sub from the tenant's partition and closes it. Empty
// partitions are dropped. Unregistering an unknown subscriber is a no-op.
func (b *Broadcaster) Unregister(sub Subscriber, tenantID int64) {
	b.mu.Lock()
	p, ok := b.partitions[tenantID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, ok := p[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(p, sub)
	remaining := len(p)
	if remaining == 0 {
		delete(b.partitions, tenantID)
	}
	b.mu.Unlock()

	sub.Close()
	b.log.Info("subscriber unregistered", "tenant_id", tenantID, "subscribers", remaining)
}

// Publish sends message to every subscriber of tenantID. Subscribers that
// cannot take the message are unregistered; the rest still receive it.
func (b *Broadcaster) Publish(tenantID int64, message []byte) {
	b.mu.Lock()
	p, ok := b.partitions[tenantID]
	if !ok {
		b.mu.Unlock()
		return
	}
	snapshot := make([]Subscriber, 0, len(p))
	for sub := range p {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		if err := sub.Enqueue(message); err != nil {
			b.log.Warn("dropping subscriber", "tenant_id", tenantID, "error", err)
			b.Unregister(sub, tenantID)
		}
	}
}

// PublishJSON wraps payload in an Envelope and publishes it.
func (b *Broadcaster) PublishJSON(tenantID int64, msgType string, payload interface{}) {
	messageBytes, err := json.Marshal(data.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		b.log.Error("marshal broadcast", "type", msgType, "error", err)
		return
	}
	b.Publish(tenantID, messageBytes)
}

// Subscribers returns the number of live subscribers for tenantID.
func (b *Broadcaster) Subscribers(tenantID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.partitions[tenantID])
}

// Tenants returns the number of non-empty partitions.
func (b *Broadcaster) Tenants() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.partitions)
}

// CloseAll unregisters every subscriber. Used on shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	all := b.partitions
	b.partitions = make(map[int64]map[Subscriber]struct{})
	b.mu.Unlock()

	for _, p := range all {
		for sub := range p {
			sub.Close()
		}
	}
}
