// Package export renders merged views into downloadable spreadsheets.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/view"
)

const sheetName = "Records"

var columns = []string{
	"Code",
	"Rate",
	"Start Date",
	"End Date",
	"Category",
	"Tags",
	"Active",
	"Sync State",
	"Modified Fields",
}

// Service renders an organization's merged views. The views come from the
// same read path the API serves, so an export with a session id reflects that
// session's uncommitted drafts.
type Service struct {
	views *view.Service
}

func NewService(views *view.Service) *Service {
	return &Service{views: views}
}

// WriteWorkbook streams an xlsx workbook of every record in the organization,
// overlaid with the session's deltas when sessionID is non-nil.
func (s *Service) WriteWorkbook(ctx context.Context, organizationID, sessionID uuid.UUID, w io.Writer) error {
	page, err := s.views.List(ctx, organizationID, sessionID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to assemble views: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	f.SetSheetName(f.GetSheetName(0), sheetName)

	for col, header := range columns {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to resolve header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	for i, item := range page.Items {
		for col, value := range rowValues(item) {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return fmt.Errorf("failed to resolve cell: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return fmt.Errorf("failed to write row %d: %w", i+1, err)
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteCSV streams the same table as RFC 4180 CSV.
func (s *Service) WriteCSV(ctx context.Context, organizationID, sessionID uuid.UUID, w io.Writer) error {
	page, err := s.views.List(ctx, organizationID, sessionID, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to assemble views: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, item := range page.Items {
		row := make([]string, len(columns))
		for col, value := range rowValues(item) {
			row[col] = fmt.Sprint(value)
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

func rowValues(item domain.PfaView) []any {
	modified := make([]string, len(item.ModifiedFields))
	for i, name := range item.ModifiedFields {
		modified[i] = string(name)
	}
	return []any{
		item.Code,
		cellValue(item.Fields, domain.FieldRate),
		cellValue(item.Fields, domain.FieldStartDate),
		cellValue(item.Fields, domain.FieldEndDate),
		cellValue(item.Fields, domain.FieldCategory),
		cellValue(item.Fields, domain.FieldTags),
		cellValue(item.Fields, domain.FieldActive),
		string(item.SyncState),
		strings.Join(modified, ", "),
	}
}

func cellValue(fields domain.FieldMap, name domain.FieldName) any {
	value, ok := fields[name]
	if !ok {
		return ""
	}
	switch value.Kind {
	case domain.KindMoney:
		// minor units rendered as a decimal amount
		return strconv.FormatFloat(float64(value.Money)/100, 'f', 2, 64)
	case domain.KindDate:
		if value.Date.IsZero() {
			return ""
		}
		return value.Date.Format(time.DateOnly)
	case domain.KindText:
		return value.Text
	case domain.KindSet:
		return strings.Join(value.Set, ", ")
	case domain.KindBool:
		return value.Bool
	default:
		return ""
	}
}
