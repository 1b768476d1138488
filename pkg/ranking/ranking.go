// Package ranking orders model inputs by GSA index and derives the
// contribution column shown in the dashboard ranking table.
package ranking

import (
	"math"
	"sort"
	"strings"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
)

// Row is one line of the ranking table.
type Row struct {
	Rank         int     `json:"rank"`
	InputID      string  `json:"input_id"`
	Description  string  `json:"description"`
	Amount       float64 `json:"amount"`
	Type         string  `json:"type"`
	GSAIndex     float64 `json:"gsa_index"`
	Contribution float64 `json:"contribution"`

	// Source is the sensitivity the row was derived from.
	Source lca.InputSensitivity `json:"source"`
}

// Rank sorts inputs by GSA index, highest first, and assigns ranks 1..M.
// Exact ties keep their input order. Contribution is the index divided by
// the largest index, clipped to [0,1]; when the largest index is 0 every
// contribution is 0. NaN indices sort last with contribution 0.
//
// Rank does not modify inputs. The same input always yields the same rows.
func Rank(inputs []lca.InputSensitivity) []Row {
	if len(inputs) == 0 {
		return []Row{}
	}

	sorted := append([]lca.InputSensitivity(nil), inputs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].GSAIndex, sorted[j].GSAIndex
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		if math.IsNaN(a) {
			return false
		}
		return a > b
	})

	maxIndex := 0.0
	for _, in := range sorted {
		if !math.IsNaN(in.GSAIndex) && in.GSAIndex > maxIndex {
			maxIndex = in.GSAIndex
		}
	}

	rows := make([]Row, len(sorted))
	for i, in := range sorted {
		rows[i] = Row{
			Rank:         i + 1,
			InputID:      in.InputID,
			Description:  Describe(in),
			Amount:       in.ExchangeAmount,
			Type:         in.ExchangeType,
			GSAIndex:     in.GSAIndex,
			Contribution: contribution(in.GSAIndex, maxIndex),
			Source:       in,
		}
	}
	return rows
}

func contribution(index, maxIndex float64) float64 {
	if maxIndex <= 0 || math.IsNaN(index) {
		return 0
	}
	c := index / maxIndex
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Describe renders the display label of an input:
//
//	FROM <name>[, <location>][, <category>] TO <output>[, <output location>]
//
// Empty optional parts are omitted.
func Describe(in lca.InputSensitivity) string {
	var b strings.Builder
	b.WriteString("FROM ")
	b.WriteString(in.Name)
	for _, part := range []string{in.Location, in.Category} {
		if strings.TrimSpace(part) != "" {
			b.WriteString(", ")
			b.WriteString(part)
		}
	}
	b.WriteString(" TO ")
	b.WriteString(in.OutputName)
	if strings.TrimSpace(in.OutputLocation) != "" {
		b.WriteString(", ")
		b.WriteString(in.OutputLocation)
	}
	return b.String()
}

// Top returns the input ids of the first k rows. k larger than the table
// returns every id.
func Top(rows []Row, k int) []string {
	if k > len(rows) {
		k = len(rows)
	}
	if k <= 0 {
		return nil
	}
	ids := make([]string, k)
	for i := 0; i < k; i++ {
		ids[i] = rows[i].InputID
	}
	return ids
}

// Inputs recovers the sensitivities behind rows, in row order.
func Inputs(rows []Row) []lca.InputSensitivity {
	out := make([]lca.InputSensitivity, len(rows))
	for i, r := range rows {
		out[i] = r.Source
	}
	return out
}
