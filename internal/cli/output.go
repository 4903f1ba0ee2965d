package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

func writeResult(w io.Writer, format string, result any) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	switch r := result.(type) {
	case ObserveResult:
		user := "-"
		if r.UserLogin != nil {
			user = *r.UserLogin
		}
		fmt.Fprintf(w, "page %s: %d emitted, %d debounced, %d failed, %d dropped, %d missing\n",
			r.PageID, r.Emitted, r.Debounced, r.Failed, r.Dropped, r.Missing)
		fmt.Fprintf(w, "identity: %s (%s)\n", user, r.IdentityState)
		return nil
	case []StoredClickOutput:
		table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(table, "TIMESTAMP\tUSER\tTEXT\tURL\tPAGE")
		for _, click := range r {
			fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
				click.Timestamp, orDash(click.UserLogin), click.Text, orDash(click.URL), click.PageURL)
		}
		return table.Flush()
	}
	return fmt.Errorf("unsupported result type %T", result)
}

func orDash(value *string) string {
	if value == nil || *value == "" {
		return "-"
	}
	return *value
}
