package output

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aquasecurity/tml"
	"github.com/fatih/color"

	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

func affectedRange(lower, upper string) string {
	switch {
	case lower == upper:
		return lower
	case lower == "" || lower == "*":
		return "<= " + upper
	case upper == "" || upper == "*":
		return ">= " + lower
	}
	return lower + " - " + upper
}

// WriteDocuments lists stored documents, one row each.
func WriteDocuments(w io.Writer, docs []vulndb.Document, isTerminal bool) error {
	tw := newTableWriter(w, isTerminal)
	tw.SetAutoMerge(false)
	tw.SetRowLines(false)
	tw.SetHeaders("Vulnerability", "Kind", "Package", "Vendor", "Type", "Affected", "Revision")
	for _, doc := range docs {
		affected := ""
		if doc.IsDetail() {
			affected = affectedRange(doc.MinAffectedVersion, doc.MaxAffectedVersion)
		}
		tw.AddRow(
			doc.VulnID,
			string(doc.Kind),
			doc.Package,
			doc.Vendor,
			doc.PackageType,
			affected,
			strconv.FormatInt(doc.Revision, 10),
		)
	}
	tw.Render()
	return nil
}

// WriteIndexStatus describes the index against the store.
func WriteIndexStatus(w io.Writer, status vulndb.IndexStatus, isTerminal bool) error {
	state := "up to date"
	if status.Stale() {
		state = "stale"
	}
	if isTerminal {
		state = colorizeState(state, status.Stale())
	}

	rows := [][2]string{
		{"Store revision", strconv.FormatInt(status.StoreRevision, 10)},
	}
	if status.Built {
		rows = append(rows,
			[2]string{"Index revision", strconv.FormatInt(status.Meta.Revision, 10)},
			[2]string{"Built at", status.Meta.BuiltAt.Format(time.RFC3339)},
			[2]string{"Documents", strconv.Itoa(status.Meta.Documents)},
			[2]string{"Keys", strconv.Itoa(status.Meta.Keys)},
		)
	} else {
		rows = append(rows, [2]string{"Index revision", "never built"})
	}
	rows = append(rows, [2]string{"Index", state})

	for _, row := range rows {
		if isTerminal {
			if err := tml.Fprintf(w, "<bold>%s:</bold> %s\n", row[0], row[1]); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return nil
}

func colorizeState(state string, stale bool) string {
	if stale {
		return color.New(color.FgRed).Sprint(state)
	}
	return color.New(color.FgGreen).Sprint(state)
}
