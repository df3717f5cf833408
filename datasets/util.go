package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// readCSVHeader reads the header row and indexes its normalized column names.
func readCSVHeader(reader *csv.Reader) (map[string]int, error) {
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty CSV: %w", ErrConfiguration)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[normalizeColumn(col)] = i
	}
	return colIndex, nil
}

func normalizeColumn(col string) string {
	return strings.TrimSpace(strings.ToLower(strings.TrimPrefix(col, "\ufeff")))
}

// sortedUnique returns the distinct labels in a fixed collation: numeric
// order when every label is an integer, lexical order otherwise.
func sortedUnique(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	uniq := make([]string, 0)
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			uniq = append(uniq, l)
		}
	}

	numeric := make(map[string]int64, len(uniq))
	for _, l := range uniq {
		v, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			numeric = nil
			break
		}
		numeric[l] = v
	}

	if numeric != nil {
		sort.Slice(uniq, func(i, j int) bool {
			if numeric[uniq[i]] != numeric[uniq[j]] {
				return numeric[uniq[i]] < numeric[uniq[j]]
			}
			return uniq[i] < uniq[j]
		})
	} else {
		sort.Strings(uniq)
	}
	return uniq
}
