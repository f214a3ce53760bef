package botctl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// HistoryEntry mirrors an audit trail record.
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Target    string                 `json:"target,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

var (
	historyLimit int
	historyClear bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit trail of container actions and jobs",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if historyClear {
			var resp struct {
				Deleted int64 `json:"deleted"`
			}
			if err := client.Delete(cmd.Context(), "/history", &resp); err != nil {
				exitWithError(cmd, err)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entries.\n", resp.Deleted)
			return
		}
		var resp struct {
			History []HistoryEntry `json:"history"`
		}
		if err := client.GetJSON(cmd.Context(), fmt.Sprintf("/history?limit=%d", historyLimit), &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(resp.History)
			return
		}
		tw := newTable()
		fmt.Fprintf(tw, "WHEN\tEVENT\tTARGET\tDETAILS\n")
		for _, entry := range resp.History {
			details := ""
			if len(entry.Metadata) > 0 {
				raw, _ := json.Marshal(entry.Metadata)
				details = string(raw)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", relativeTime(entry.CreatedAt), entry.Event, orDash(entry.Target), details)
		}
		flushTable(tw)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum entries to show")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "Delete the whole audit trail")
}
