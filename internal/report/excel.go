package report

import (
	"bytes"
	"fmt"

	"depscan-service/internal/model"
	"depscan-service/pkg/errors"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	filesSheet   = "Files"
)

// Builder renders a completed scan session as an xlsx workbook: one summary
// sheet plus one row per dependency file.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Build(session *model.ScanSession, files []model.DependencyFile) ([]byte, error) {
	if !session.Status.Terminal() {
		return nil, errors.ErrReportNotReady
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(summarySheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	summary := [][]interface{}{
		{"Repository", session.RepositoryName},
		{"Commit", session.CommitName},
		{"Status", string(session.Status)},
		{"Progress", fmt.Sprintf("%d%%", session.Progress)},
		{"Total Vulnerabilities", session.VulnerabilityCount},
		{"Files Scanned", len(files)},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(filesSheet); err != nil {
		return nil, err
	}

	header := []interface{}{"Filename", "Progress", "Vulnerabilities Found"}
	if err := f.SetSheetRow(filesSheet, "A1", &header); err != nil {
		return nil, err
	}

	for i, file := range files {
		row := []interface{}{file.Filename, file.Progress, file.VulnerabilitiesFound}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(filesSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
