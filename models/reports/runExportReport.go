package reports

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/xuri/excelize/v2"
)

// BuildRunExportWorkbook renders one run into a workbook: a summary sheet,
// the matched pairs side by side, and each side's unmatched rows.
func BuildRunExportWorkbook(ctx context.Context, runId int) (*excelize.File, string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, "", errors.New("business id is required")
	}

	run, err := models.GetReconciliationRun(ctx, runId)
	if err != nil {
		return nil, "", err
	}
	cfg, err := models.GetReconciliationConfig(ctx, run.ConfigId)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()

	if err := writeSummarySheet(f, run, cfg); err != nil {
		return nil, "", err
	}
	if err := writeMatchedSheet(f, run, cfg); err != nil {
		return nil, "", err
	}
	if err := writeUnmatchedSheet(f, "Unmatched A", cfg.SourceAColumns, run.SourceARows, run.UnmatchedAIdx); err != nil {
		return nil, "", err
	}
	if err := writeUnmatchedSheet(f, "Unmatched B", cfg.SourceBColumns, run.SourceBRows, run.UnmatchedBIdx); err != nil {
		return nil, "", err
	}

	// excelize's default sheet; everything above went to named sheets.
	f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("reconciliation-run-%d.xlsx", run.ID)
	return f, fileName, nil
}

func writeSummarySheet(f *excelize.File, run *models.ReconciliationRun, cfg *models.ReconciliationConfig) error {
	sheet := "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Run", run.ID},
		{"Config", cfg.Name},
		{"Status", string(run.Status)},
		{"Source A rows", len(run.SourceARows)},
		{"Source B rows", len(run.SourceBRows)},
		{"Matched pairs", len(run.MatchedPairs)},
		{"Unmatched A", len(run.UnmatchedAIdx)},
		{"Unmatched B", len(run.UnmatchedBIdx)},
	}
	if run.FailureReason != "" {
		rows = append(rows, []interface{}{"Failure reason", run.FailureReason})
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeMatchedSheet(f *excelize.File, run *models.ReconciliationRun, cfg *models.ReconciliationConfig) error {
	sheet := "Matched"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header := []interface{}{"Pair", "Type", "Confidence"}
	for _, col := range cfg.SourceAColumns {
		header = append(header, "A: "+columnHeading(col))
	}
	for _, col := range cfg.SourceBColumns {
		header = append(header, "B: "+columnHeading(col))
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, pair := range run.MatchedPairs {
		row := []interface{}{i + 1, string(pair.MatchType), pair.Confidence}
		for _, col := range cfg.SourceAColumns {
			row = append(row, displayValue(run.SourceARows[pair.SourceAIdx][col.Key]))
		}
		for _, col := range cfg.SourceBColumns {
			row = append(row, displayValue(run.SourceBRows[pair.SourceBIdx][col.Key]))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeUnmatchedSheet(f *excelize.File, sheet string, cols models.ColumnDefList, rows models.TypedRowList, indices models.IntList) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header := []interface{}{"Row"}
	for _, col := range cols {
		header = append(header, columnHeading(col))
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, idx := range indices {
		row := []interface{}{idx + 1}
		for _, col := range cols {
			row = append(row, displayValue(rows[idx][col.Key]))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func columnHeading(col models.ColumnDef) string {
	if col.Label != "" {
		return col.Label
	}
	return col.Key
}

func displayValue(v parser.TypedValue) interface{} {
	switch v.Kind {
	case parser.ValueKindNumber, parser.ValueKindCurrency:
		f, _ := v.Number.Float64()
		return f
	case parser.ValueKindDate:
		return v.Date
	case parser.ValueKindNull:
		return ""
	default:
		return v.Text
	}
}
