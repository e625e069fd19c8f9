package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/webitel/stateful-rpc/internal/config"
	"github.com/webitel/stateful-rpc/internal/monitor/tui"
)

// httpRowSource polls a running server's internal/monitor/http JSON
// endpoint, satisfying tui.RowSource for the out-of-process `monitor`
// CLI command.
type httpRowSource struct {
	baseURL string
	client  *http.Client
}

type linkRow struct {
	LinkID       string `json:"LinkID"`
	ChannelCount int    `json:"ChannelCount"`
	SourceCount  int    `json:"SourceCount"`
}

func (s *httpRowSource) Rows() [][]string {
	resp, err := s.client.Get(s.baseURL + "/links")
	if err != nil {
		return [][]string{{"(unreachable)", err.Error(), ""}}
	}
	defer resp.Body.Close()

	var links []linkRow
	if err := json.NewDecoder(resp.Body).Decode(&links); err != nil {
		return [][]string{{"(bad response)", err.Error(), ""}}
	}

	rows := make([][]string, 0, len(links))
	for _, l := range links {
		rows = append(rows, []string{l.LinkID, fmt.Sprintf("%d", l.ChannelCount), fmt.Sprintf("%d", l.SourceCount)})
	}
	return rows
}

// RunMonitorTUI starts the terminal dashboard against the monitor HTTP
// endpoint named by store's configuration.
func RunMonitorTUI(store *config.Store) error {
	cfg := store.Get()
	addr := cfg.Monitor.HTTPListen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	source := &httpRowSource{
		baseURL: "http://" + addr,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	return tui.Run(source, 2*time.Second)
}
