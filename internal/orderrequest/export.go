package orderrequest

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/banf/internal/i18n"
)

var exportLineHeaders = []i18n.Key{
	i18n.ExportLineNumber, i18n.ExportName, i18n.ExportVendorSKU, i18n.ExportQuantity, i18n.ExportUoM,
	i18n.ExportUnitPrice, i18n.ExportLineTotal, i18n.ExportReceived, i18n.ExportOpen, i18n.ExportReceiptStatus,
}

// ExportOrderXLSX renders the order header and its lines as a spreadsheet.
func (s *Service) ExportOrderXLSX(ctx context.Context, id int64, tag language.Tag) ([]byte, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := buildWorkbook(o, tag)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("orderrequest: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func buildWorkbook(o *OrderRequest, tag language.Tag) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := o.Ref()
	if sheet == "" {
		sheet = "BANF"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	label := func(k i18n.Key) string { return i18n.Translate(tag, k) }

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 11},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return nil, err
	}

	summary := []struct {
		key   i18n.Key
		value any
	}{
		{i18n.ExportRef, o.Ref()},
		{i18n.ExportTitle, o.Title},
		{i18n.ExportStatus, string(o.Status)},
		{i18n.ExportCostCenter, o.CostCenter},
		{i18n.ExportTotal, o.EstimatedTotalCost},
	}
	for i, row := range summary {
		r := i + 1
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", r), label(row.key))
		_ = f.SetCellStyle(sheet, fmt.Sprintf("A%d", r), fmt.Sprintf("A%d", r), bold)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", r), row.value)
	}

	headerRow := len(summary) + 2
	for i, k := range exportLineHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, headerRow)
		_ = f.SetCellValue(sheet, cell, label(k))
		_ = f.SetCellStyle(sheet, cell, cell, header)
	}
	for i, l := range o.Lines {
		r := headerRow + 1 + i
		values := []any{l.LineNumber, l.Name, l.VendorSKU, l.Quantity, string(l.UoM), nil, nil,
			l.QuantityReceivedTotal, l.QuantityOpen, string(l.ReceiptStatus)}
		if l.UnitPriceEstimated != nil {
			values[5] = *l.UnitPriceEstimated
		}
		if l.TotalPriceEstimated != nil {
			values[6] = *l.TotalPriceEstimated
		}
		cell, _ := excelize.CoordinatesToCellName(1, r)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, err
		}
	}

	widths := []float64{6, 28, 16, 10, 8, 12, 12, 10, 10, 14}
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheet, col, col, w)
	}
	return f, nil
}
