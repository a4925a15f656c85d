// Package notify wakes goroutines that are waiting on a durable record to change.
// Notifications carry no payload: subscribers re-read the store after waking.
package notify

import (
	"context"
	"sync"
)

// Notifier fans out wake-ups by topic.
type Notifier interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(topic string) (<-chan struct{}, func())
}

func ApprovalTopic(approvalID string) string {
	return "approval." + approvalID
}

func ReplyTopic(campaignID string) string {
	return "reply." + campaignID
}

// Local delivers notifications within one process.
type Local struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]chan struct{})}
}

func (l *Local) Publish(_ context.Context, topic string) error {
	l.deliver(topic)
	return nil
}

// Subscribe returns a channel with room for one pending wake-up. Bursts of
// publishes collapse into a single signal.
func (l *Local) Subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[int]chan struct{})
	}
	l.subs[topic][id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[topic], id)
			if len(l.subs[topic]) == 0 {
				delete(l.subs, topic)
			}
		})
	}
}

func (l *Local) subscribers(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[topic])
}

func (l *Local) deliver(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
