package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("event")
	defer b.Unsubscribe(sub)

	b.Publish(TopicEventStored, EventStoredPayload{EventID: "e1", Type: "message"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicEventStored {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicEventStored)
		}
		payload, ok := event.Payload.(EventStoredPayload)
		if !ok {
			t.Fatalf("payload type %T", event.Payload)
		}
		if payload.EventID != "e1" {
			t.Fatalf("event id = %q, want e1", payload.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskStarted, TaskPayload{Bucket: "ch-1"})
	b.Publish(TopicAttachmentResolved, AttachmentResolvedPayload{AttachmentID: "a1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub should not see the attachment topic.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskSettled, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("event")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done
		}
	}
done:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
