package botctl

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// DataFile mirrors a data file listing entry.
type DataFile struct {
	Name         string    `json:"name"`
	SizeBytes    int64     `json:"sizeBytes"`
	SizeHuman    string    `json:"sizeHuman"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

var dataFilename string

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Manage files in the bot data directory",
}

var dataListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data files",
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var resp struct {
			Root  string     `json:"root"`
			Files []DataFile `json:"files"`
		}
		if err := client.GetJSON(cmd.Context(), "/data", &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(resp)
			return
		}
		tw := newTable()
		fmt.Fprintf(tw, "NAME\tSIZE\tMODIFIED\n")
		for _, f := range resp.Files {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.SizeHuman, relativeTime(f.ModifiedTime))
		}
		flushTable(tw)
	},
}

var dataGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print a data file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		var resp struct {
			Filename string `json:"filename"`
			Content  string `json:"content"`
		}
		if err := client.GetJSON(cmd.Context(), "/data/"+escapePath(args[0]), &resp); err != nil {
			exitWithError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(resp)
			return
		}
		fmt.Fprint(cmd.OutOrStdout(), resp.Content)
	},
}

var dataPutCmd = &cobra.Command{
	Use:   "put <file|->",
	Short: "Upload a data file and restart the bot",
	Long: `Uploads the given local file (or stdin when "-") into the bot data
directory. The container is stopped while the file is replaced and
started again afterwards.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		content, err := readInput(cmd, args[0])
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		payload := map[string]string{"filename": dataFilename, "content": string(content)}
		if asyncMode {
			submitAndMaybeWatch(cmd, client, "/update-data?async=true", payload)
			return
		}
		client.Timeout = waitTimeout
		var res struct {
			Status   string `json:"status"`
			Filename string `json:"filename"`
		}
		if err := client.PostJSON(cmd.Context(), "/update-data", payload, &res); err != nil {
			reportAPIError(cmd, err)
			return
		}
		if jsonOutput() {
			_ = printJSON(res)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Filename, res.Status)
	},
}

var dataRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a data file (the container is not restarted)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, _, err := mustClient()
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if err := client.Delete(cmd.Context(), "/data/"+escapePath(args[0]), nil); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
	},
}

func init() {
	dataPutCmd.Flags().StringVar(&dataFilename, "name", "dsl.txt", "Target file name in the data directory")
	dataCmd.AddCommand(dataListCmd)
	dataCmd.AddCommand(dataGetCmd)
	dataCmd.AddCommand(dataPutCmd)
	dataCmd.AddCommand(dataRmCmd)
}

func readInput(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(arg)
}

// escapePath escapes each segment of a nested data file name.
func escapePath(name string) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
