package ranking

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Header is the column set of the ranking table.
var Header = table.Row{"GSA rank", "LCA model input", "Amount", "Type", "GSA index", "Contribution"}

// RenderTable writes rows as a text table.
func RenderTable(w io.Writer, rows []Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(Header)
	for _, r := range rows {
		tw.AppendRow(table.Row{
			r.Rank,
			r.Description,
			fmt.Sprintf("%.4g", r.Amount),
			r.Type,
			fmt.Sprintf("%.3f", r.GSAIndex),
			fmt.Sprintf("%.1f%%", r.Contribution*100),
		})
	}
	tw.Render()
}

// RenderCSV writes rows as RFC 4180 CSV with the same columns as
// RenderTable. Numbers are written at full precision.
func RenderCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(Header))
	for i, h := range Header {
		header[i] = fmt.Sprint(h)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			strconv.Itoa(r.Rank),
			r.Description,
			formatFloat(r.Amount),
			r.Type,
			formatFloat(r.GSAIndex),
			formatFloat(r.Contribution),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// JSONRow is the wire form of a Row. A NaN index encodes as null.
type JSONRow struct {
	Rank         int      `json:"rank"`
	InputID      string   `json:"input_id"`
	Description  string   `json:"description"`
	Amount       float64  `json:"amount"`
	Type         string   `json:"type"`
	GSAIndex     *float64 `json:"gsa_index"`
	Contribution float64  `json:"contribution"`
}

// JSONRows converts rows for encoding/json, which rejects NaN.
func JSONRows(rows []Row) []JSONRow {
	out := make([]JSONRow, len(rows))
	for i, row := range rows {
		out[i] = JSONRow{
			Rank:         row.Rank,
			InputID:      row.InputID,
			Description:  row.Description,
			Amount:       row.Amount,
			Type:         row.Type,
			Contribution: row.Contribution,
		}
		if !math.IsNaN(row.GSAIndex) {
			v := row.GSAIndex
			out[i].GSAIndex = &v
		}
	}
	return out
}
