package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/endpoint"
	"github.com/webitel/stateful-rpc/internal/wire"
)

func TestHandlerServesEchoOverWebSocket(t *testing.T) {
	root := source.New(nil, nil)
	h := NewHandler(nil, func(r *http.Request) (*source.Source, any, error) {
		return root, nil, nil
	}, Config{}, nil, LinkHooks{})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.EncodeInitialize("c1")); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply []any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(reply) == 0 {
		t.Fatal("handler never replied to the initialize frame")
	}
}

func TestHandlerRejectsWhenRootFactoryErrors(t *testing.T) {
	h := NewHandler(nil, func(r *http.Request) (*source.Source, any, error) {
		return nil, nil, errRejected
	}, Config{}, nil, LinkHooks{})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandlerFiresLinkHooksOnOpenAndClose(t *testing.T) {
	root := source.New(nil, nil)
	var openedID string
	var closedID string
	opened := make(chan struct{})
	closed := make(chan struct{})

	h := NewHandler(nil, func(r *http.Request) (*source.Source, any, error) {
		return root, nil, nil
	}, Config{}, nil, LinkHooks{
		OnOpen: func(linkID string, ep *endpoint.Endpoint) {
			openedID = linkID
			close(opened)
		},
		OnClose: func(linkID string) {
			closedID = linkID
			close(closed)
		},
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnOpen never fired")
	}
	if openedID == "" {
		t.Fatal("OnOpen fired with an empty link id")
	}

	conn.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose never fired")
	}
	if closedID != openedID {
		t.Fatalf("OnClose link id = %q, want %q", closedID, openedID)
	}
}

type rejectedError string

func (e rejectedError) Error() string { return string(e) }

const errRejected = rejectedError("rejected")
