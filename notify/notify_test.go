package notify

import (
	"context"
	"testing"
	"time"
)

func TestLocal_PublishWakesSubscribers(t *testing.T) {
	l := NewLocal()
	a, cancelA := l.Subscribe(ApprovalTopic("a1"))
	defer cancelA()
	b, cancelB := l.Subscribe(ApprovalTopic("a1"))
	defer cancelB()
	other, cancelOther := l.Subscribe(ApprovalTopic("a2"))
	defer cancelOther()

	if err := l.Publish(context.Background(), ApprovalTopic("a1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s was not woken", name)
		}
	}
	select {
	case <-other:
		t.Fatal("subscriber on another topic was woken")
	default:
	}
}

func TestLocal_BurstCollapses(t *testing.T) {
	l := NewLocal()
	ch, cancel := l.Subscribe(ReplyTopic("c1"))
	defer cancel()

	for i := 0; i < 5; i++ {
		_ = l.Publish(context.Background(), ReplyTopic("c1"))
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("expected a single pending wake-up")
	default:
	}
}

func TestLocal_CancelUnsubscribes(t *testing.T) {
	l := NewLocal()
	_, cancel := l.Subscribe("approval.x")
	if got := l.subscribers("approval.x"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	cancel()
	cancel()
	if got := l.subscribers("approval.x"); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
	if err := l.Publish(context.Background(), "approval.x"); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestNATS_TopicMapping(t *testing.T) {
	n := &NATS{prefix: "cf"}
	if got := n.subject(ApprovalTopic("42")); got != "cf.approval.42" {
		t.Fatalf("unexpected subject %q", got)
	}
	topic, ok := n.topicFor("cf.reply.c1")
	if !ok || topic != "reply.c1" {
		t.Fatalf("unexpected topic %q ok=%v", topic, ok)
	}
	if _, ok := n.topicFor("other.reply.c1"); ok {
		t.Fatal("expected foreign subject to be ignored")
	}
}
