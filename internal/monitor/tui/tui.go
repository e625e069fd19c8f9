// Package tui renders a monitor.Registry as a live terminal dashboard
// using gizak/termui/v3: one table row per link, refreshed on a timer,
// quitting on 'q' or Ctrl-C.
package tui

import (
	"fmt"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

// RowSource supplies the dashboard's table body on each refresh tick. A
// *monitor.Registry satisfies it directly for an in-process dashboard; a
// small HTTP poller can satisfy it for an out-of-process `monitor` CLI
// command talking to internal/monitor/http's JSON endpoints.
type RowSource interface {
	Rows() [][]string
}

// Run starts the dashboard and blocks until the user quits. It takes over
// the terminal for its duration (ui.Init/ui.Close bracket the whole call).
func Run(source RowSource, refresh time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("monitor tui: init: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = "live links"
	table.Rows = headerRow()
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = true
	table.SetRect(0, 0, 80, 20)

	render := func() {
		table.Rows = append(headerRow(), source.Rows()...)
		ui.Render(table)
	}
	render()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				table.SetRect(0, 0, payload.Width, payload.Height)
				render()
			}
		case <-ticker.C:
			render()
		}
	}
}

func headerRow() [][]string {
	return [][]string{{"link", "channels", "sources"}}
}
