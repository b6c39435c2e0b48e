// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flyhook-top is a live terminal dashboard over flyhookd's
// diagnostics API: aggregate stats, resources, in-flight commands, and
// the lifecycle event stream.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"grimm.is/flyhook/internal/tui"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9814", "diagnostics API address")
	flag.Parse()

	backend := tui.NewRemoteBackend("http://" + *addr)
	p := tea.NewProgram(tui.NewModel(backend), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "flyhook-top: %v\n", err)
		os.Exit(1)
	}
}
