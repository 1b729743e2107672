package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nfrund/boardboard/internal/realtime"
)

var eventsFormat string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the events sent on personal topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch eventsFormat {
		case "table":
			displayEventsTable(cmd.OutOrStdout(), realtime.Events())
			return nil
		case "json":
			return displayEventsJSON(cmd.OutOrStdout(), realtime.Events())
		default:
			return fmt.Errorf("unknown format %q, use table or json", eventsFormat)
		}
	},
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsFormat, "format", "f", "table", "output format (table, json)")
	rootCmd.AddCommand(eventsCmd)
}

// displayName turns an event name such as friend_request into
// "Friend Request".
func displayName(event string) string {
	caser := cases.Title(language.English)
	return caser.String(strings.ReplaceAll(event, "_", " "))
}

func displayEventsTable(out io.Writer, events []realtime.EventInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "EVENT\tTITLE\tFIELDS\tDESCRIPTION\tEXAMPLE")
	fmt.Fprintln(w, "-----\t-----\t------\t-----------\t-------")

	if len(events) == 0 {
		fmt.Fprintln(w, "No events found")
		return
	}
	for _, e := range events {
		fields := strings.Join(e.Fields, ", ")
		if fields == "" {
			fields = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Name,
			displayName(e.Name),
			fields,
			truncateString(e.Description, 50),
			truncateString(e.Example, 40))
	}
}

func displayEventsJSON(out io.Writer, events []realtime.EventInfo) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

// truncateString shortens s to max runes, marking the cut with "...".
func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
