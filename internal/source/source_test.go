package source

import "testing"

func TestEmitRejectsEmptyPath(t *testing.T) {
	s := New(nil, nil)
	if err := s.Emit(nil); err != ErrEmptyPath {
		t.Fatalf("Emit(nil) = %v, want ErrEmptyPath", err)
	}
}

func TestEmitBroadcastsToBusListeners(t *testing.T) {
	s := New(nil, nil)
	var gotPath []any
	var gotArgs []any
	s.Bus().On("message", func(args ...any) {
		gotPath = args[0].([]any)
		gotArgs = args[1].([]any)
	})

	if err := s.Emit([]any{"tick"}, 1, 2); err != nil {
		t.Fatalf("Emit returned %v", err)
	}
	if len(gotPath) != 1 || gotPath[0] != "tick" {
		t.Fatalf("path = %v", gotPath)
	}
	if len(gotArgs) != 2 || gotArgs[0] != 1 || gotArgs[1] != 2 {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestSetStateNoOpOnReferenceEqualValue(t *testing.T) {
	s := New(nil, 5)
	fired := false
	s.Bus().On("state", func(args ...any) { fired = true })

	if err := s.SetState(5); err != nil {
		t.Fatalf("SetState returned %v", err)
	}
	if fired {
		t.Fatal("state event fired for a reference-equal value")
	}
	if s.State() != 5 {
		t.Fatalf("State() = %v, want 5", s.State())
	}
}

func TestSetStateNotifiesOnChange(t *testing.T) {
	s := New(nil, 5)
	var got any
	s.Bus().On("state", func(args ...any) { got = args[0] })

	if err := s.SetState(6); err != nil {
		t.Fatalf("SetState returned %v", err)
	}
	if got != 6 {
		t.Fatalf("state listener got %v, want 6", got)
	}
}

func TestSetStateAcceptsUpdaterFunc(t *testing.T) {
	s := New(nil, 5)
	if err := s.SetState(func(old any) any { return old.(int) + 1 }); err != nil {
		t.Fatalf("SetState returned %v", err)
	}
	if s.State() != 6 {
		t.Fatalf("State() = %v, want 6", s.State())
	}
}

func TestDisposeIsIdempotentAndBlocksFurtherMutation(t *testing.T) {
	s := New(nil, 1)
	count := 0
	s.Bus().On("dispose", func(args ...any) { count++ })

	s.Dispose("bye")
	s.Dispose("bye again")

	if count != 1 {
		t.Fatalf("dispose fired %d times, want 1", count)
	}
	disposed, reason := s.Disposed()
	if !disposed || reason != "bye" {
		t.Fatalf("Disposed() = %v %v, want true \"bye\"", disposed, reason)
	}

	if err := s.Emit([]any{"x"}); err != ErrDisposed {
		t.Fatalf("Emit after dispose = %v, want ErrDisposed", err)
	}
	if err := s.SetState(2); err != ErrDisposed {
		t.Fatalf("SetState after dispose = %v, want ErrDisposed", err)
	}
}

func TestExportableDefaultsToFalse(t *testing.T) {
	s := New(nil, nil)
	if ok, key := s.Exportable(); ok || key != "" {
		t.Fatalf("Exportable() = %v %q, want false \"\"", ok, key)
	}
	s.SetExportable("rk.demo")
	if ok, key := s.Exportable(); !ok || key != "rk.demo" {
		t.Fatalf("Exportable() after SetExportable = %v %q, want true \"rk.demo\"", ok, key)
	}
}
