package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 3; i++ {
		if !q.Push(Message{Type: "m", Data: i}) {
			t.Fatalf("push %d should not evict", i)
		}
	}
	if q.Push(Message{Type: "m", Data: 3}) {
		t.Fatal("push into a full queue should report an eviction")
	}
	q.Push(Message{Type: "m", Data: 4})

	if got := q.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	var got []int
	for {
		m, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, m.Data.(int))
	}
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQueuePopWaitsAndDrainsAfterClose(t *testing.T) {
	q := NewQueue(4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(Message{Type: "late"})
		q.Close()
	}()

	m, err := q.Pop(context.Background())
	if err != nil || m.Type != "late" {
		t.Fatalf("Pop() = %v, %v", m, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Pop after close = %v, want ErrQueueClosed", err)
	}
	q.Push(Message{Type: "ignored"})
	if q.Len() != 0 {
		t.Fatal("closed queue must not admit messages")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop = %v, want deadline exceeded", err)
	}
}

func TestSenderFlushesBoundedBacklogOnCancel(t *testing.T) {
	q := NewQueue(200)
	for i := 0; i < 120; i++ {
		q.Push(Message{Type: "m"})
	}
	block := make(chan struct{})
	rec := newRecorder()
	first := true
	sink := SinkFunc(func(ctx context.Context, m Message) error {
		if first {
			first = false
			<-block
		}
		return rec.Send(ctx, m)
	})
	s := startSender(q, sink, testOptions("").withDefaults().Logger)
	time.Sleep(10 * time.Millisecond)
	s.cancel()
	close(block)
	<-s.done

	// One in-flight delivery plus at most flushLimit more.
	if n := rec.count("m"); n > flushLimit+1 {
		t.Fatalf("delivered %d messages after cancel, want at most %d", n, flushLimit+1)
	}
}
