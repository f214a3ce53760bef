package botctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// EventEnvelope mirrors the SSE payload emitted by /events.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

var (
	eventsFilter    string
	eventsHeartbeat bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream lifecycle events",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		err = client.StreamEvents(cmd.Context(), func(ev EventEnvelope) bool {
			if ev.Type == "heartbeat" && !eventsHeartbeat {
				return true
			}
			if eventsFilter != "" && !strings.HasPrefix(ev.Type, eventsFilter) {
				return true
			}
			if jsonOutput() {
				raw, _ := json.Marshal(ev)
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return true
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-18s %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, compact(ev.Data))
			return true
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			exitWithError(cmd, err)
		}
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsFilter, "type", "", "Only show events whose type starts with this prefix")
	eventsCmd.Flags().BoolVar(&eventsHeartbeat, "heartbeats", false, "Include heartbeat events")
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}
