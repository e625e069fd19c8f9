package longpoll

import (
	"reflect"
	"testing"
	"time"
)

func TestSendThenPollDeliversBatch(t *testing.T) {
	l := newLink("l1", func([]any) {}, func(any) {})

	if err := l.send([]any{"a"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := l.send([]any{"b"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	batch := l.poll(100 * time.Millisecond)
	if len(batch) != 2 {
		t.Fatalf("poll returned %d messages, want 2", len(batch))
	}
	if !reflect.DeepEqual(batch[0], []any{"a"}) || !reflect.DeepEqual(batch[1], []any{"b"}) {
		t.Fatalf("batch = %v, want [[a] [b]]", batch)
	}
}

func TestPollBlocksUntilSendArrives(t *testing.T) {
	l := newLink("l1", func([]any) {}, func(any) {})
	done := make(chan [][]any, 1)

	go func() {
		done <- l.poll(time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := l.send([]any{"late"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case batch := <-done:
		if len(batch) != 1 {
			t.Fatalf("batch = %v, want one message", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("poll never returned after a send")
	}
}

func TestPollTimesOutWithNoContent(t *testing.T) {
	l := newLink("l1", func([]any) {}, func(any) {})
	batch := l.poll(20 * time.Millisecond)
	if batch != nil {
		t.Fatalf("poll() = %v, want nil on timeout", batch)
	}
}

func TestDeliverInboundInvokesCallback(t *testing.T) {
	var got []any
	l := newLink("l1", func(msg []any) { got = msg }, func(any) {})
	l.deliverInbound([]any{"x", 1})

	if !reflect.DeepEqual(got, []any{"x", 1}) {
		t.Fatalf("deliver got %v, want [x 1]", got)
	}
}

func TestCloseFiresClosedExactlyOnce(t *testing.T) {
	count := 0
	var gotReason any
	l := newLink("l1", func([]any) {}, func(reason any) { count++; gotReason = reason })

	l.close("bye")
	l.close("bye again")

	if count != 1 {
		t.Fatalf("closed fired %d times, want 1", count)
	}
	if gotReason != "bye" {
		t.Fatalf("closed reason = %v, want \"bye\"", gotReason)
	}
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	l := newLink("l1", func([]any) {}, func(any) {})
	l.close("bye")
	if err := l.send([]any{"too late"}); err != errLinkClosed {
		t.Fatalf("send after close = %v, want errLinkClosed", err)
	}
}

func TestPollReturnsNilAfterClose(t *testing.T) {
	l := newLink("l1", func([]any) {}, func(any) {})
	l.close("bye")
	if batch := l.poll(time.Second); batch != nil {
		t.Fatalf("poll after close = %v, want nil", batch)
	}
}

func TestDrainBatchIsCapped(t *testing.T) {
	l := newLink("l1", func([]any) {}, func(any) {})
	for i := 0; i < DefaultDrainBatch+5; i++ {
		if err := l.send([]any{i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	batch := l.poll(time.Second)
	if len(batch) != DefaultDrainBatch {
		t.Fatalf("first poll drained %d, want %d", len(batch), DefaultDrainBatch)
	}
	rest := l.poll(20 * time.Millisecond)
	if len(rest) != 5 {
		t.Fatalf("second poll drained %d, want 5", len(rest))
	}
}
