package http

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/stateful-rpc/internal/monitor"
	"github.com/webitel/stateful-rpc/internal/source"
	"github.com/webitel/stateful-rpc/internal/source/endpoint"
	"github.com/webitel/stateful-rpc/internal/transport/inmemory"
	"github.com/webitel/stateful-rpc/internal/wire"
)

func TestLinksEndpointListsRegisteredLinks(t *testing.T) {
	reg := monitor.NewRegistry()
	root := source.New(nil, nil)
	srcAdapter, _ := inmemory.Pair()
	ep, err := endpoint.Start(srcAdapter, root, endpoint.Options{})
	if err != nil {
		t.Fatalf("endpoint.Start: %v", err)
	}
	reg.Add("link-1", ep)

	r := chi.NewRouter()
	Routes(r, reg)

	req := httptest.NewRequest("GET", "/links", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var links []monitor.LinkSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &links); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(links) != 1 || links[0].LinkID != "link-1" {
		t.Fatalf("links = %+v, want one entry for link-1", links)
	}
}

func TestChannelsEndpointReturns404ForUnknownLink(t *testing.T) {
	reg := monitor.NewRegistry()
	r := chi.NewRouter()
	Routes(r, reg)

	req := httptest.NewRequest("GET", "/links/nope/channels", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestChannelsEndpointListsChannelIDs(t *testing.T) {
	reg := monitor.NewRegistry()
	root := source.New(nil, nil)
	srcAdapter, peerAdapter := inmemory.Pair()
	ep, err := endpoint.Start(srcAdapter, root, endpoint.Options{})
	if err != nil {
		t.Fatalf("endpoint.Start: %v", err)
	}
	reg.Add("link-1", ep)

	sendToSource, err := peerAdapter(func([]any) {}, func(any) {})
	if err != nil {
		t.Fatalf("peerAdapter: %v", err)
	}
	if err := sendToSource(wire.EncodeInitialize("c1")); err != nil {
		t.Fatalf("sendToSource: %v", err)
	}

	waitFor(t, func() bool { return len(ep.Channels().Snapshot()) == 1 })

	r := chi.NewRouter()
	Routes(r, reg)

	req := httptest.NewRequest("GET", "/links/link-1/channels", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var ids []string
	if err := json.Unmarshal(w.Body.Bytes(), &ids); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("ids = %v, want [c1]", ids)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
