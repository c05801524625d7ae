package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	aqtable "github.com/aquasecurity/table"
	"github.com/aquasecurity/tml"
	"github.com/fatih/color"
	"github.com/moznion/go-optional"
	"github.com/samber/lo"
	"golang.org/x/term"

	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

const maxTitleWords = 12

type TableConfig struct {
	SortBy     string // "severity", "id" or "" to keep the search order
	IsTerminal bool
}

// IsOutputToTerminal reports whether w is stdout attached to a TTY.
func IsOutputToTerminal(w io.Writer) bool {
	return w == os.Stdout && term.IsTerminal(int(os.Stdout.Fd()))
}

func newTableWriter(w io.Writer, isTerminal bool) *aqtable.Table {
	tw := aqtable.New(w)
	if isTerminal {
		tw.SetHeaderStyle(aqtable.StyleBold)
		tw.SetLineStyle(aqtable.StyleDim)
	}
	tw.SetBorders(true)
	tw.SetAutoMerge(true)
	tw.SetRowLines(true)
	return tw
}

func writeHeader(w io.Writer, title string, isTerminal bool) {
	if isTerminal {
		_ = tml.Fprintf(w, "<underline><bold>%s</bold></underline>\n", title)
		return
	}
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", utf8.RuneCountInString(title)))
}

// WriteTable writes occurrences as one table, preceded by a severity
// summary.
func WriteTable(w io.Writer, occurrences []vulndb.VulnerabilityOccurrence, cfg TableConfig) error {
	fmt.Fprintln(w, severitySummary(occurrences))
	fmt.Fprintln(w)
	writeOccurrenceTable(w, occurrences, cfg)
	return nil
}

// WriteMatchTables writes one table per query, in the order the queries
// first appear in matches.
func WriteMatchTables(w io.Writer, matches []vulndb.Match, cfg TableConfig) error {
	keys := lo.Uniq(lo.Map(matches, func(m vulndb.Match, _ int) string { return m.Key() }))
	grouped := lo.GroupBy(matches, func(m vulndb.Match) string { return m.Key() })

	for n, key := range keys {
		if n > 0 {
			fmt.Fprintln(w)
		}
		writeHeader(w, strings.Replace(key, "|", "@", 1), cfg.IsTerminal)
		if err := WriteTable(w, vulndb.Occurrences(grouped[key]), cfg); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		writeOccurrenceTable(w, nil, cfg)
	}
	return nil
}

func writeOccurrenceTable(w io.Writer, occurrences []vulndb.VulnerabilityOccurrence, cfg TableConfig) {
	rows := make([]vulndb.VulnerabilityOccurrence, len(occurrences))
	copy(rows, occurrences)
	sortRows(rows, cfg.SortBy)

	tw := newTableWriter(w, cfg.IsTerminal)
	tw.SetHeaders("Package", "Vulnerability", "Severity", "Type", "Installed Version", "Fixed Version", "Title")
	for _, o := range rows {
		tw.AddRow(rowCells(o, cfg)...)
	}
	tw.Render()
}

func rowCells(o vulndb.VulnerabilityOccurrence, cfg TableConfig) []string {
	severity := o.EffectiveSeverity.String()
	if cfg.IsTerminal {
		severity = colorizeSeverity(o.EffectiveSeverity)
	}
	affected := o.PackageIssue.AffectedLocation.TakeOr(vulndb.VulnerabilityLocation{})
	fixed := optional.Map(o.PackageIssue.FixedLocation, func(l vulndb.VulnerabilityLocation) string {
		return l.Version
	}).TakeOr("")

	return []string{
		affected.Package,
		o.ID,
		severity,
		o.Type,
		affected.Version,
		fixed,
		titleWithURL(o, cfg.IsTerminal),
	}
}

// severitySummary returns a line like:
// Total: 5 (UNSPECIFIED: 0, LOW: 2, MEDIUM: 1, HIGH: 1, CRITICAL: 1)
func severitySummary(occurrences []vulndb.VulnerabilityOccurrence) string {
	counts := lo.CountValuesBy(occurrences, func(o vulndb.VulnerabilityOccurrence) vulndb.Severity {
		return o.EffectiveSeverity
	})
	return fmt.Sprintf("Total: %d (UNSPECIFIED: %d, LOW: %d, MEDIUM: %d, HIGH: %d, CRITICAL: %d)",
		len(occurrences),
		counts[vulndb.SeverityUnspecified],
		counts[vulndb.SeverityLow],
		counts[vulndb.SeverityMedium],
		counts[vulndb.SeverityHigh],
		counts[vulndb.SeverityCritical],
	)
}

var severityColors = map[vulndb.Severity]func(a ...any) string{
	vulndb.SeverityUnspecified: color.New(color.FgCyan).SprintFunc(),
	vulndb.SeverityLow:         color.New(color.FgBlue).SprintFunc(),
	vulndb.SeverityMedium:      color.New(color.FgYellow).SprintFunc(),
	vulndb.SeverityHigh:        color.New(color.FgHiRed).SprintFunc(),
	vulndb.SeverityCritical:    color.New(color.FgRed).SprintFunc(),
}

func colorizeSeverity(severity vulndb.Severity) string {
	if fn, ok := severityColors[severity]; ok {
		return fn(severity.String())
	}
	return severity.String()
}

func sortRows(rows []vulndb.VulnerabilityOccurrence, sortBy string) {
	switch sortBy {
	case "severity":
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].EffectiveSeverity > rows[j].EffectiveSeverity
		})
	case "id":
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].ID < rows[j].ID
		})
	}
}

// titleWithURL truncates the short description to maxTitleWords words and
// appends the first related URL on a new line.
func titleWithURL(o vulndb.VulnerabilityOccurrence, isTerminal bool) string {
	title := truncateWords(o.ShortDescription, maxTitleWords)
	url := vulndb.OptionalFirst(o.RelatedURLs).TakeOr("")
	if url == "" {
		return title
	}
	if isTerminal {
		url = tml.Sprintf("<blue>%s</blue>", url)
	}
	if title != "" {
		return title + "\n" + url
	}
	return url
}

func truncateWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
