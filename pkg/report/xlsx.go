// Package report renders stored detection reports as spreadsheets for field
// teams that work outside the HTTP API.
package report

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/HatiCode/flowwatch/pkg/storage"
)

const (
	summarySheet = "summary"
	eventsSheet  = "events"
	mnfSheet     = "mnf"

	cellTimeLayout = "2006-01-02 15:04:05"
)

// BuildXLSX renders r as a workbook with a summary sheet, one row per event
// and one row per night. Nights without readings in the MNF window have empty
// min and mean cells.
func BuildXLSX(r storage.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	for _, name := range []string{eventsSheet, mnfSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	w := &sheetWriter{f: f}

	w.row(summarySheet, 1, "Meter", r.Meter)
	w.row(summarySheet, 2, "Generated at", r.GeneratedAt.UTC().Format(cellTimeLayout))
	w.row(summarySheet, 3, "Threshold", r.Threshold)
	w.row(summarySheet, 4, "Period (samples)", r.Period)
	w.row(summarySheet, 5, "Granularity", (time.Duration(r.GranularitySeconds) * time.Second).String())
	w.row(summarySheet, 6, "Samples", r.Samples)
	w.row(summarySheet, 7, "Events", len(r.Events.All))
	w.row(summarySheet, 8, "Actual events", len(r.Events.Actual))
	w.row(summarySheet, 9, "Imputed events", len(r.Events.Imputed))
	w.row(summarySheet, 10, "Min MNF", nullable(r.MNF.Average.MinMNF))
	w.row(summarySheet, 11, "Avg MNF", nullable(r.MNF.Average.AvgMNF))
	w.row(summarySheet, 12, "Nights", r.MNF.Average.Nights)

	w.row(eventsSheet, 1, "Kind", "Start", "End", "Index", "Description")
	for i, e := range r.Events.All {
		w.row(eventsSheet, i+2,
			string(e.Kind),
			e.Start.Format(cellTimeLayout),
			e.End.Format(cellTimeLayout),
			e.Index,
			e.String(),
		)
	}

	w.row(mnfSheet, 1, "Date", "Min", "Mean", "Samples")
	for i, n := range r.MNF.Nights {
		w.row(mnfSheet, i+2, n.Date, nullable(n.Min), nullable(n.Mean), n.Count)
	}

	if w.err != nil {
		return nil, w.err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// sheetWriter keeps the first cell error so rows can be written without
// checking every call.
type sheetWriter struct {
	f   *excelize.File
	err error
}

func (w *sheetWriter) row(sheet string, row int, values ...any) {
	for col, v := range values {
		if w.err != nil {
			return
		}
		if v == nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			w.err = err
			return
		}
		if err := w.f.SetCellValue(sheet, cell, v); err != nil {
			w.err = fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
}

func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
