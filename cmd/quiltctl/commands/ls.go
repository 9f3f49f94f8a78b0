package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var lsFront string

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory through the front node's HTTP API",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if lsFront == "" {
			return errors.New("--front is required")
		}

		path := ""
		if len(args) == 1 {
			path = strings.Trim(args[0], "/")
		}

		endpoint := strings.TrimSuffix(lsFront, "/") + "/list-directory"
		if path != "" {
			segments := strings.Split(path, "/")
			for i := range segments {
				segments[i] = url.PathEscape(segments[i])
			}
			endpoint += "/" + strings.Join(segments, "/")
		}

		resp, err := http.Get(endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("front node returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}

		var listing struct {
			Files [][2]any `json:"file_uuids_and_names"`
			Dirs  [][2]any `json:"directory_ids_and_names"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return fmt.Errorf("decode listing: %w", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Type", "Name", "ID"})
		for _, d := range listing.Dirs {
			table.Append([]string{"dir", fmt.Sprint(d[1]), fmt.Sprint(d[0])})
		}
		for _, f := range listing.Files {
			table.Append([]string{"file", fmt.Sprint(f[1]), fmt.Sprint(f[0])})
		}
		table.Render()
		return nil
	},
}

func init() {
	lsCmd.Flags().StringVar(&lsFront, "front", "", "front node base URL, e.g. http://127.0.0.1:8080")
}
