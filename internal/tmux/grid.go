package tmux

import (
	"fmt"
)

// GridPane is one slot in a provisioned workspace grid.
type GridPane struct {
	Role        string // "admin" or "worker"
	WorkerSlot  int    // 1-based for workers, 0 for admin
	WindowIndex int
	PaneIndex   int
}

// workersPerWindow is how many worker panes share one window before
// overflowing into a new window. columns sets the panes per row.
func workersPerWindow(columns int) int {
	if columns < 1 {
		columns = 1
	}
	return columns * 2
}

// BuildGrid creates the deterministic pane grid for a workspace
// session: window 0 holds the admin pane on the left and the first
// workers stacked on the right half; overflow workers get their own
// windows. Splits against the right half always target the newest
// pane so earlier pane indices never shift mid-sequence. Any failure
// tears down the whole session.
func (c *Client) BuildGrid(session, directory string, workers, columns int) ([]GridPane, error) {
	if err := ValidateSessionName(session); err != nil {
		return nil, err
	}
	if c.SessionExists(session) {
		return nil, fmt.Errorf("session %q already exists", session)
	}
	if err := c.CreateSession(session, directory); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	grid, err := c.buildGridPanes(session, directory, workers, columns)
	if err != nil {
		// Roll back every split together with the session itself.
		_ = c.KillSession(session)
		return nil, err
	}
	return grid, nil
}

func (c *Client) buildGridPanes(session, directory string, workers, columns int) ([]GridPane, error) {
	grid := []GridPane{{Role: "admin", WindowIndex: 0, PaneIndex: 0}}
	perWindow := workersPerWindow(columns)

	slot := 1
	window := 0
	for slot <= workers {
		inWindow := 0
		lastPane := 0

		if window > 0 {
			idx, err := c.NewWindow(session, fmt.Sprintf("workers-%d", window), directory)
			if err != nil {
				return nil, fmt.Errorf("create overflow window: %w", err)
			}
			window = idx
			// The overflow window's first pane belongs to a worker.
			grid = append(grid, GridPane{Role: "worker", WorkerSlot: slot, WindowIndex: window, PaneIndex: 0})
			slot++
			inWindow++
		}

		for slot <= workers && inWindow < perWindow {
			target := Target(session, window, lastPane)
			// First worker in window 0 carves out the right half;
			// later workers stack below the newest worker pane.
			horizontal := window == 0 && inWindow == 0
			idx, err := c.SplitPane(target, horizontal, directory)
			if err != nil {
				return nil, fmt.Errorf("split pane for worker %d: %w", slot, err)
			}
			grid = append(grid, GridPane{Role: "worker", WorkerSlot: slot, WindowIndex: window, PaneIndex: idx})
			lastPane = idx
			slot++
			inWindow++
		}

		window++
	}
	return grid, nil
}
