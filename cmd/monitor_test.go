package cmd

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPRowSourceRowsMapsLinksToRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"LinkID":"l1","ChannelCount":2,"SourceCount":1}]`))
	}))
	t.Cleanup(srv.Close)

	s := &httpRowSource{baseURL: srv.URL, client: &http.Client{Timeout: time.Second}}
	rows := s.Rows()

	if len(rows) != 1 {
		t.Fatalf("Rows() = %v, want 1 row", rows)
	}
	if rows[0][0] != "l1" || rows[0][1] != "2" || rows[0][2] != "1" {
		t.Fatalf("row = %v, want [l1 2 1]", rows[0])
	}
}

func TestHTTPRowSourceRowsReportsUnreachableServer(t *testing.T) {
	s := &httpRowSource{baseURL: "http://127.0.0.1:1", client: &http.Client{Timeout: 50 * time.Millisecond}}
	rows := s.Rows()

	if len(rows) != 1 || rows[0][0] != "(unreachable)" {
		t.Fatalf("rows = %v, want a single (unreachable) row", rows)
	}
}

func TestHTTPRowSourceRowsReportsBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	s := &httpRowSource{baseURL: srv.URL, client: &http.Client{Timeout: time.Second}}
	rows := s.Rows()

	if len(rows) != 1 || rows[0][0] != "(bad response)" {
		t.Fatalf("rows = %v, want a single (bad response) row", rows)
	}
}
