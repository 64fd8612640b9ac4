package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/archive-to-mailbox/archive"
	"github.com/dhcgn/archive-to-mailbox/config"
	"github.com/dhcgn/archive-to-mailbox/filter"
	"github.com/dhcgn/archive-to-mailbox/stats"
)

// trackedFields are the message attributes counted by archive-stats.
var trackedFields = []string{"Folder", "Class", "From", "To", "Subject"}

const csvLimit = 1000

type archiveStats struct {
	Messages   int
	Migratable int
	Skipped    int
	Unreadable int
	Counter    map[string]map[string]int
}

func newArchiveStats() *archiveStats {
	s := &archiveStats{Counter: make(map[string]map[string]int)}
	for _, field := range trackedFields {
		s.Counter[field] = make(map[string]int)
	}
	return s
}

func (s *archiveStats) add(msg *archive.Message, path string) {
	s.Messages++
	if archive.IsMigratable(msg.Class) {
		s.Migratable++
	}

	from := msg.SenderAddress
	if msg.SenderName != "" && from != "" {
		from = msg.SenderName + " <" + from + ">"
	}
	values := map[string]string{
		"Folder":  path,
		"Class":   msg.Class,
		"From":    from,
		"To":      msg.DisplayTo,
		"Subject": msg.Subject,
	}
	for field, value := range values {
		if value != "" {
			s.Counter[field][value]++
		}
	}
}

func newArchiveStatsCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	cmd := &cobra.Command{
		Use:   "archive-stats",
		Short: "Analyse an archive and show statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, config.ModeArchiveStats)
			if err != nil {
				return err
			}
			defer a.close()

			f, err := filter.New(filter.Options{
				IncludeHeader: a.cfg.IncludeHeader,
				IncludeBody:   a.cfg.IncludeBody,
				ExcludeHeader: a.cfg.ExcludeHeader,
				ExcludeBody:   a.cfg.ExcludeBody,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			arc, err := a.runner.OpenArchive(a.cfg.ArchiveFile)
			if err != nil {
				return err
			}
			defer arc.Close()

			source, err := archive.Resolve(arc.Root(), a.cfg.SourceFolderID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing archive:", a.cfg.ArchiveFile)

			s := newArchiveStats()
			err = collectArchiveStats(source, "/"+source.DisplayName(), f, s, func() {
				// ANSI escape code to clear screen and move cursor to top-left
				fmt.Fprint(out, "\033[H\033[2J")
				printArchiveStats(out, s, f, topN)
			})
			if err != nil {
				return fmt.Errorf("error reading archive: %w", err)
			}

			printArchiveStats(out, s, f, topN)

			if err := saveCSVReports(s.Counter, trackedFields, reportDir, csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	return cmd
}

// collectArchiveStats walks folder and its descendants. tick is called every
// 250 counted messages.
func collectArchiveStats(folder archive.Folder, path string, f *filter.Filter, s *archiveStats, tick func()) error {
	cur, err := folder.Messages()
	if err != nil {
		return fmt.Errorf("open messages of %s: %w", path, err)
	}
	defer cur.Close()

	for {
		msg, err := cur.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var msgErr *archive.MessageError
			if !errors.As(err, &msgErr) {
				return fmt.Errorf("read messages of %s: %w", path, err)
			}
			s.Unreadable++
			continue
		}

		if f != nil && f.Active() && !f.Allows(msg) {
			s.Skipped++
			continue
		}
		s.add(msg, path)
		if tick != nil && s.Messages%250 == 0 {
			tick()
		}
	}

	children, err := folder.Children()
	if err != nil {
		return fmt.Errorf("children of %s: %w", path, err)
	}
	for _, child := range children {
		if err := collectArchiveStats(child, path+"/"+child.DisplayName(), f, s, tick); err != nil {
			return err
		}
	}
	return nil
}

func printArchiveStats(w io.Writer, s *archiveStats, f *filter.Filter, topN int) {
	total := s.Messages + s.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(s.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)...\n", s.Messages, s.Skipped, filterPercent)
	fmt.Fprintf(w, "Migratable: %d, other classes: %d, unreadable: %d\n\n", s.Migratable, s.Messages-s.Migratable, s.Unreadable)

	if f != nil && f.Active() {
		counts := f.Counts()
		fmt.Fprintf(w, "Filter: %d allowed, %d rejected\n", counts.Allowed, counts.Rejected)
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, field := range trackedFields {
		fmt.Fprintf(w, "Top %d %s:\n", topN, field)
		stats.FprintTop(w, s.Counter[field], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, fields []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range fields {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeFieldName(field)))
		if err := writeCSVReport(filePath, counter[field], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}

	for i, p := range sortedCounts(counts) {
		if i >= limit {
			break
		}
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

type countPair struct {
	Key   string
	Value int
}

// sortedCounts orders by count descending, then by key.
func sortedCounts(counts map[string]int) []countPair {
	pairs := make([]countPair, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, countPair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	return pairs
}

func normalizeFieldName(field string) string {
	name := strings.ToLower(field)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
