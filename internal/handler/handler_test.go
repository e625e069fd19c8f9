package handler

import (
	"errors"
	"testing"

	"github.com/webitel/stateful-rpc/internal/source"
)

type fakeChannel struct {
	ctx    any
	closed bool
}

func (f *fakeChannel) Context() any        { return f.ctx }
func (f *fakeChannel) Closed() (bool, any) { return f.closed, nil }

func TestMethodCallResolvesAndInvokes(t *testing.T) {
	b, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := Node{Record: map[string]Node{
		"sum": {Method: func(f Facade, args []any) (any, error) {
			return args[0].(float64) + args[1].(float64), nil
		}},
	}}
	h := b.Build(root)

	res, err := h(&fakeChannel{}, []any{"sum"}, []any{2.0, 3.0}, false)
	if err != nil {
		t.Fatalf("handler returned %v", err)
	}
	if res.Kind != source.ResultValue || res.Value != 5.0 {
		t.Fatalf("result = %+v, want ResultValue 5.0", res)
	}
}

func TestNestedRecordPathResolution(t *testing.T) {
	b, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := Node{Record: map[string]Node{
		"rooms": {Record: map[string]Node{
			"list": {Method: func(f Facade, args []any) (any, error) { return "ok", nil }},
		}},
	}}
	h := b.Build(root)

	res, err := h(&fakeChannel{}, []any{"rooms", "list"}, nil, false)
	if err != nil {
		t.Fatalf("handler returned %v", err)
	}
	if res.Value != "ok" {
		t.Fatalf("res.Value = %v, want \"ok\"", res.Value)
	}
}

func TestForbiddenSegmentIsRejected(t *testing.T) {
	b, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := Node{Record: map[string]Node{}}
	h := b.Build(root)

	_, err = h(&fakeChannel{}, []any{"__proto__"}, nil, false)
	if err == nil || !errors.Is(err, ErrForbiddenStep) {
		t.Fatalf("err = %v, want wrapping ErrForbiddenStep", err)
	}
}

func TestConstructorProducesSourceResultWithAutoDispose(t *testing.T) {
	b, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := Node{Record: map[string]Node{
		"room": {
			AutoDispose: true,
			Constructor: func(f Facade, args []any) (*source.Source, error) {
				return source.New(nil, nil), nil
			},
		},
	}}
	h := b.Build(root)

	res, err := h(&fakeChannel{}, []any{"room"}, []any{"name"}, true)
	if err != nil {
		t.Fatalf("handler returned %v", err)
	}
	if res.Kind != source.ResultSource || res.Source == nil {
		t.Fatalf("res = %+v, want ResultSource", res)
	}
	if !res.AutoDispose {
		t.Fatal("AutoDispose not propagated from Node to Result")
	}
}

func TestBareSourceNodeReachableOnlyWithZeroArgs(t *testing.T) {
	b, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	shared := source.New(nil, "shared")
	root := Node{Record: map[string]Node{"shared": {Source: shared}}}
	h := b.Build(root)

	res, err := h(&fakeChannel{}, []any{"shared"}, nil, true)
	if err != nil {
		t.Fatalf("handler returned %v", err)
	}
	if res.Kind != source.ResultSource || res.Source != shared {
		t.Fatalf("res = %+v, want ResultSource wrapping the shared Source", res)
	}
}

func TestPrefixIsPrependedToFirstSegment(t *testing.T) {
	b, err := New("api.", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	called := false
	root := Node{Record: map[string]Node{
		"api.sum": {Method: func(f Facade, args []any) (any, error) { called = true; return nil, nil }},
	}}
	h := b.Build(root)

	if _, err := h(&fakeChannel{}, []any{"sum"}, nil, false); err != nil {
		t.Fatalf("handler returned %v", err)
	}
	if !called {
		t.Fatal("prefixed method was not invoked")
	}
}

func TestNumericPathSegmentCoercedToString(t *testing.T) {
	b, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := Node{Record: map[string]Node{
		"room": {Record: map[string]Node{
			"42": {Method: func(f Facade, args []any) (any, error) { return "found", nil }},
		}},
	}}
	h := b.Build(root)

	res, err := h(&fakeChannel{}, []any{"room", 42}, nil, false)
	if err != nil {
		t.Fatalf("handler returned %v", err)
	}
	if res.Value != "found" {
		t.Fatalf("res.Value = %v, want \"found\"", res.Value)
	}
}

func TestLRUCacheReturnsSameResolution(t *testing.T) {
	b, err := New("", 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	root := Node{Record: map[string]Node{
		"sum": {Method: func(f Facade, args []any) (any, error) { calls++; return calls, nil }},
	}}
	h := b.Build(root)

	if _, err := h(&fakeChannel{}, []any{"sum"}, nil, false); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := h(&fakeChannel{}, []any{"sum"}, nil, false); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 2 {
		t.Fatalf("method invoked %d times, want 2 (caching affects path resolution, not invocation)", calls)
	}
}
