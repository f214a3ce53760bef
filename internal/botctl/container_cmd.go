package botctl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ContainerStatus mirrors GET /status.
type ContainerStatus struct {
	ContainerName string     `json:"container_name"`
	Status        string     `json:"status"`
	ID            string     `json:"id,omitempty"`
	Image         string     `json:"image,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ExitCode      int        `json:"exit_code,omitempty"`
}

// ActionResult mirrors the start/stop/restart response.
type ActionResult struct {
	Status string `json:"status"`
}

// RebuildResult mirrors the synchronous rebuild response.
type RebuildResult struct {
	Status               string        `json:"status"`
	FinalContainerStatus *ActionResult `json:"final_container_status"`
	BuildLogs            string        `json:"build_logs"`
}

var (
	waitTimeout time.Duration
	asyncMode   bool
	watchAsync  bool
	logsTail    int
	showBuild   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the bot container state",
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var st ContainerStatus
		if err := client.GetJSON(cmd.Context(), "/status", &st); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(st)
			return
		}
		tw := newTable()
		fmt.Fprintf(tw, "Field\tValue\n")
		fmt.Fprintf(tw, "Server\t%s\n", ctx.Server)
		fmt.Fprintf(tw, "Container\t%s\n", st.ContainerName)
		fmt.Fprintf(tw, "Status\t%s\n", st.Status)
		fmt.Fprintf(tw, "ID\t%s\n", orDash(shortID(st.ID)))
		fmt.Fprintf(tw, "Image\t%s\n", orDash(st.Image))
		if st.StartedAt != nil {
			fmt.Fprintf(tw, "Started\t%s\n", relativeTime(*st.StartedAt))
		}
		if st.Status == "exited" {
			fmt.Fprintf(tw, "Exit Code\t%d\n", st.ExitCode)
		}
		flushTable(tw)
	},
}

func actionCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			client, _, err := mustClient()
			if err != nil {
				exitWithError(cmd, err)
				return
			}
			client.Timeout = waitTimeout
			var res ActionResult
			if err := client.PostJSON(cmd.Context(), path, nil, &res); err != nil {
				reportAPIError(cmd, err)
				return
			}
			if jsonOutput() {
				_ = printJSON(res)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Status)
		},
	}
}

var (
	startCmd   = actionCommand("start", "Start the bot container", "/start")
	stopCmd    = actionCommand("stop", "Stop the bot container", "/stop")
	restartCmd = actionCommand("restart", "Restart the bot container", "/restart")
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the tail of the container output",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		path := "/logs"
		if logsTail > 0 {
			path += "?" + url.Values{"tail": {strconv.Itoa(logsTail)}}.Encode()
		}
		var resp struct {
			ContainerName string `json:"container_name"`
			Tail          int    `json:"tail"`
			Logs          string `json:"logs"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(resp)
			return
		}
		fmt.Fprint(cmd.OutOrStdout(), resp.Logs)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the bot image and replace the container",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if asyncMode {
			submitAndMaybeWatch(cmd, client, "/rebuild?async=true", nil)
			return
		}
		client.Timeout = waitTimeout
		var res RebuildResult
		if err := client.PostJSON(cmd.Context(), "/rebuild", nil, &res); err != nil {
			reportAPIError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(res)
			return
		}
		if showBuild {
			fmt.Fprintln(cmd.OutOrStdout(), res.BuildLogs)
		}
		final := ""
		if res.FinalContainerStatus != nil {
			final = res.FinalContainerStatus.Status
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (container: %s)\n", res.Status, orDash(final))
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, stopCmd, restartCmd, rebuildCmd, dataPutCmd} {
		c.Flags().DurationVar(&waitTimeout, "wait-timeout", 30*time.Minute, "How long to wait for the operation to finish")
	}
	for _, c := range []*cobra.Command{rebuildCmd, dataPutCmd} {
		c.Flags().BoolVar(&asyncMode, "async", false, "Run as a background job and return its ID")
		c.Flags().BoolVar(&watchAsync, "watch", false, "With --async, follow the job until it finishes")
	}
	rebuildCmd.Flags().BoolVar(&showBuild, "show-build", false, "Print the image build output")
	logsCmd.Flags().IntVar(&logsTail, "tail", 0, "Number of lines to show (server default when 0)")
}

// submitAndMaybeWatch posts an async request and prints the resulting job.
func submitAndMaybeWatch(cmd *cobra.Command, client *Client, path string, payload interface{}) {
	var resp struct {
		Job Job `json:"job"`
	}
	if err := client.PostJSON(cmd.Context(), path, payload, &resp); err != nil {
		reportAPIError(cmd, err)
		return
	}
	if jsonOutput() && !watchAsync {
		_ = printJSON(resp.Job)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s submitted (%s).\n", resp.Job.ID, resp.Job.Type)
	if !watchAsync {
		return
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
	defer cancel()
	job, err := watchJob(ctx, cmd, client, resp.Job.ID)
	if err != nil {
		exitWithError(cmd, err)
		return
	}
	if job.Status == "failed" {
		exitWithError(cmd, fmt.Errorf("job %s failed: %s", job.ID, job.Error))
	}
}

// reportAPIError prints the error and any container or build logs it carries.
func reportAPIError(cmd *cobra.Command, err error) {
	exitWithError(cmd, err)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if logs := apiErr.DetailLogs(); logs != "" {
			printErrorLine("--- logs ---\n%s", logs)
		}
	}
}
