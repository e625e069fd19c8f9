package inmemory

import (
	"reflect"
	"testing"
	"time"
)

func TestPairDeliversAToB(t *testing.T) {
	_, a, b := NewPair()

	received := make(chan []any, 1)
	_, err := b(func(msg []any) { received <- msg }, func(any) {})
	if err != nil {
		t.Fatalf("b adapter: %v", err)
	}
	sendA, err := a(func([]any) {}, func(any) {})
	if err != nil {
		t.Fatalf("a adapter: %v", err)
	}

	if err := sendA([]any{"hello"}); err != nil {
		t.Fatalf("sendA: %v", err)
	}

	select {
	case msg := <-received:
		if !reflect.DeepEqual(msg, []any{"hello"}) {
			t.Fatalf("received %v, want [hello]", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("b never received a's message")
	}
}

func TestPairIsBidirectional(t *testing.T) {
	_, a, b := NewPair()

	receivedByA := make(chan []any, 1)
	sendA, err := a(func(msg []any) { receivedByA <- msg }, func(any) {})
	if err != nil {
		t.Fatalf("a adapter: %v", err)
	}
	sendB, err := b(func([]any) {}, func(any) {})
	if err != nil {
		t.Fatalf("b adapter: %v", err)
	}
	_ = sendA

	if err := sendB([]any{"reply"}); err != nil {
		t.Fatalf("sendB: %v", err)
	}

	select {
	case msg := <-receivedByA:
		if !reflect.DeepEqual(msg, []any{"reply"}) {
			t.Fatalf("received %v, want [reply]", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("a never received b's message")
	}
}

func TestBreakFiresBothClosedCallbacksOnce(t *testing.T) {
	link, a, b := NewPair()

	aClosed := make(chan any, 2)
	bClosed := make(chan any, 2)
	if _, err := a(func([]any) {}, func(reason any) { aClosed <- reason }); err != nil {
		t.Fatalf("a adapter: %v", err)
	}
	if _, err := b(func([]any) {}, func(reason any) { bClosed <- reason }); err != nil {
		t.Fatalf("b adapter: %v", err)
	}

	link.Break("dropped")
	link.Break("dropped again")

	select {
	case r := <-aClosed:
		if r != "dropped" {
			t.Fatalf("a closed reason = %v, want \"dropped\"", r)
		}
	case <-time.After(time.Second):
		t.Fatal("a's Closed callback never fired")
	}
	select {
	case r := <-bClosed:
		if r != "dropped" {
			t.Fatalf("b closed reason = %v, want \"dropped\"", r)
		}
	case <-time.After(time.Second):
		t.Fatal("b's Closed callback never fired")
	}

	if len(aClosed) != 0 || len(bClosed) != 0 {
		t.Fatal("Closed callback fired more than once for a second Break call")
	}
}

func TestSendAfterBreakReturnsError(t *testing.T) {
	link, a, _ := NewPair()
	sendA, err := a(func([]any) {}, func(any) {})
	if err != nil {
		t.Fatalf("a adapter: %v", err)
	}

	link.Break("gone")

	if err := sendA([]any{"too late"}); err == nil {
		t.Fatal("send after Break succeeded, want an error")
	}
}
