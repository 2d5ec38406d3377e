package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/MozScout/scout-xcode/internal/store"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// WriteJobTable prints ledger rows as an aligned table, oldest first.
func WriteJobTable(w io.Writer, records []store.JobRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UPDATED\tSTATUS\tMESSAGE\tRECEIVES\tDURATION\tERROR")
	for _, r := range records {
		updated := time.Unix(r.UpdatedAt, 0).UTC().Format(time.RFC3339)
		duration := FormatDurationShort(time.Duration(r.DurationMs) * time.Millisecond)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", updated, r.Status, r.MessageID, r.ReceiveCount, duration, r.Error)
	}
	return tw.Flush()
}
