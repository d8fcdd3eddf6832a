package reporting

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/backwardn/nomulus/history"
)

// Columns returns every report field in sheet order: net adds and net
// renews by term, then the transfer, deletion and restore counters.
func Columns() []history.ReportField {
	cols := make([]history.ReportField, 0, 2*history.MaxPeriodYears+5)
	for n := 1; n <= history.MaxPeriodYears; n++ {
		cols = append(cols, history.NetAddsField(n))
	}
	for n := 1; n <= history.MaxPeriodYears; n++ {
		cols = append(cols, history.NetRenewsField(n))
	}
	return append(cols,
		history.FieldTransferSuccessful,
		history.FieldTransferNacked,
		history.FieldDeletedDomainsGrace,
		history.FieldDeletedDomainsNograce,
		history.FieldRestoredDomains,
	)
}

// WriteXLSX writes one sheet for month with a row per TLD and a column per
// report field. Missing counters are written as zero.
func (a *Aggregator) WriteXLSX(w io.Writer, month Month, tlds ...string) error {
	if len(tlds) == 0 {
		tlds = a.TLDs()
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := string(month)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet %s: %w", sheet, err)
	}

	cols := Columns()
	header := make([]any, 0, len(cols)+1)
	header = append(header, "TLD")
	for _, c := range cols {
		header = append(header, string(c))
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, tld := range tlds {
		report := a.Report(tld, month)
		row := make([]any, 0, len(cols)+1)
		row = append(row, tld)
		for _, c := range cols {
			row = append(row, report.Fields[c])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row for %s: %w", tld, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
