package botctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect asynchronous jobs",
}

var (
	jobsLimit        int
	jobsStatus       string
	jobsType         string
	jobLogsLimit     int
	jobsDeleteStatus string
	jobWatchTimeout  time.Duration
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		query := url.Values{}
		if jobsLimit > 0 {
			query.Set("limit", fmt.Sprintf("%d", jobsLimit))
		}
		if jobsStatus != "" {
			query.Set("status", jobsStatus)
		}
		if jobsType != "" {
			query.Set("type", jobsType)
		}
		path := "/jobs"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}
		var resp struct {
			Jobs []Job `json:"jobs"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if err := writeOutput(cmd, resp.Jobs); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			return
		}
		tw := newTable()
		fmt.Fprintf(tw, "ID\tTYPE\tSTATUS\tSTAGE\tATTEMPT\tUPDATED\n")
		for _, job := range resp.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				shortID(job.ID),
				job.Type,
				job.Status,
				orDash(job.Stage),
				job.Attempt,
				job.MaxAttempts,
				relativeTime(job.UpdatedAt))
		}
		flushTable(tw)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Describe a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		job, err := fetchJob(cmd.Context(), client, args[0])
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(job)
			return
		}
		printJobDetails(cmd, job)
	},
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print the log lines recorded for a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/logs"
		if jobLogsLimit > 0 {
			path += fmt.Sprintf("?limit=%d", jobLogsLimit)
		}
		var resp struct {
			JobID string       `json:"jobId"`
			Logs  []JobLogLine `json:"logs"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(resp)
			return
		}
		for _, line := range resp.Logs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s %-10s %s\n",
				line.Timestamp.Local().Format(time.TimeOnly), strings.ToUpper(line.Level), orDash(line.Stage), line.Message)
		}
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream job progress until completion",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		ctx := cmd.Context()
		if jobWatchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, jobWatchTimeout)
			defer cancel()
		}
		if _, err := watchJob(ctx, cmd, client, args[0]); err != nil {
			exitWithError(cmd, err)
		}
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs (or all jobs with --status)",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		path := "/jobs"
		if jobsDeleteStatus != "" {
			path += "?" + url.Values{"status": {jobsDeleteStatus}}.Encode()
		}
		var resp struct {
			Deleted int64 `json:"deleted"`
		}
		if err := client.Delete(cmd.Context(), path, &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s).\n", resp.Deleted)
	},
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to return")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending|running|completed|failed)")
	jobsListCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type (rebuild|update_data)")
	jobsLogsCmd.Flags().IntVar(&jobLogsLimit, "limit", 0, "Maximum log lines (server default when 0)")
	jobsWatchCmd.Flags().DurationVar(&jobWatchTimeout, "wait-timeout", 0, "Stop watching after the specified duration (0 = wait forever)")
	jobsPruneCmd.Flags().StringVar(&jobsDeleteStatus, "status", "", "Only delete jobs with this status")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsPruneCmd)
}

// Job mirrors the API job payload.
type Job struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Stage       string                 `json:"stage"`
	Progress    int                    `json:"progress"`
	Message     string                 `json:"message"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempt     int                    `json:"attempt"`
	MaxAttempts int                    `json:"maxAttempts"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// JobLogLine mirrors a job log entry.
type JobLogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
}

func (j *Job) finished() bool {
	return j.Status == "completed" || j.Status == "failed"
}

func fetchJob(ctx context.Context, client *Client, id string) (*Job, error) {
	var job Job
	if err := client.GetJSON(ctx, "/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func printJobDetails(cmd *cobra.Command, job *Job) {
	tw := newTable()
	fmt.Fprintf(tw, "Field\tValue\n")
	fmt.Fprintf(tw, "ID\t%s\n", job.ID)
	fmt.Fprintf(tw, "Type\t%s\n", job.Type)
	fmt.Fprintf(tw, "Status\t%s\n", job.Status)
	fmt.Fprintf(tw, "Stage\t%s\n", orDash(job.Stage))
	fmt.Fprintf(tw, "Progress\t%d%%\n", job.Progress)
	fmt.Fprintf(tw, "Attempt\t%d/%d\n", job.Attempt, job.MaxAttempts)
	fmt.Fprintf(tw, "Message\t%s\n", orDash(job.Message))
	fmt.Fprintf(tw, "Updated\t%s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", job.Error)
	}
	flushTable(tw)
	if len(job.Payload) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "\nPayload:")
		_ = printJSON(job.Payload)
	}
	if len(job.Result) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "\nResult:")
		_ = printJSON(job.Result)
	}
}

// watchJob follows job events until the job finishes, falling back to
// polling when the event stream drops.
func watchJob(ctx context.Context, cmd *cobra.Command, client *Client, jobID string) (*Job, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "Watching job %s...\n", jobID)
	for {
		handler := func(ev EventEnvelope) bool {
			if ev.Type == "job.log" {
				var line struct {
					JobID string     `json:"jobId"`
					Log   JobLogLine `json:"log"`
				}
				if json.Unmarshal(ev.Data, &line) == nil && line.JobID == jobID {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %s\n", line.Log.Stage, line.Log.Message)
				}
				return true
			}
			if !strings.HasPrefix(ev.Type, "job.") {
				return true
			}
			var job Job
			if err := json.Unmarshal(ev.Data, &job); err != nil {
				printErrorLine("event decode error: %v", err)
				return true
			}
			if job.ID != jobID {
				return true
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %-10s %3d%% %s\n", ev.Type, job.Stage, job.Progress, job.Message)
			return !job.finished()
		}

		err := client.StreamEvents(ctx, handler)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			printErrorLine("event stream interrupted: %v", err)
		}

		job, jobErr := fetchJob(context.WithoutCancel(ctx), client, jobID)
		if jobErr != nil {
			return nil, jobErr
		}
		if job.finished() {
			fmt.Fprintf(cmd.OutOrStdout(), "Final status: %s - %s\n", job.Status, orDash(job.Message))
			if job.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Error: %s\n", job.Error)
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
