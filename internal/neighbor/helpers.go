package neighbor

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// WriteTable prints neighbors in the DUMP NEIGHBORS layout.
func WriteTable(w io.Writer, neighbors []Neighbor) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "**************** Neighbor List ********************")
	fmt.Fprintf(tw, "Neighbors: %d\n", len(neighbors))
	fmt.Fprintln(tw, "NeighborNumber\tNeighborAddr\tInterfaceAddr")
	for _, n := range neighbors {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", n.Node, n.Address, n.Interface)
	}
	return tw.Flush()
}

// Age returns how long ago the entry was refreshed.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastRefreshed)
}
