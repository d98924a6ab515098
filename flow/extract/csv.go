package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// csvConfidence is the overall confidence assigned to natively parsed CSV
// rows. Structured input needs no model judgment, but human-authored
// spreadsheets still carry labeling risk, so it is not 100.
const csvConfidence = 95

// ParseCSV parses a CSV artifact natively. The first row is treated as a
// header; columns are matched by fuzzy header names. Rows missing a
// description are skipped.
func ParseCSV(data []byte) (Result, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1 // ragged rows are common in exported sheets
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return Result{}, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) < 2 {
		return Result{}, fmt.Errorf("parse csv: no data rows")
	}

	cols := mapColumns(rows[0])
	if cols.description < 0 {
		return Result{}, fmt.Errorf("parse csv: no description column found")
	}

	var result Result
	result.Confidence.Overall = csvConfidence

	for _, row := range rows[1:] {
		desc := cell(row, cols.description)
		if desc == "" {
			continue
		}
		item := ParsedLineItem{Description: desc, Confidence: csvConfidence / 100.0}
		if sku := cell(row, cols.sku); sku != "" {
			item.SKU = sku
		}
		if q, ok := parseInt(cell(row, cols.quantity)); ok {
			item.Quantity = &q
		}
		if p, ok := parseMoney(cell(row, cols.unitPrice)); ok {
			item.UnitPrice = &p
		}
		if p, ok := parseMoney(cell(row, cols.totalPrice)); ok {
			item.TotalPrice = &p
		}
		result.Data.LineItems = append(result.Data.LineItems, item)

		if item.TotalPrice != nil {
			result.Data.TotalAmount += *item.TotalPrice
		}
	}
	return result, nil
}

type columnMap struct {
	description, sku, quantity, unitPrice, totalPrice int
}

func mapColumns(header []string) columnMap {
	cols := columnMap{description: -1, sku: -1, quantity: -1, unitPrice: -1, totalPrice: -1}
	for i, h := range header {
		switch key := strings.ToLower(strings.TrimSpace(h)); {
		case containsAny(key, "description", "item", "product", "name"):
			if cols.description < 0 {
				cols.description = i
			}
		case containsAny(key, "sku", "part", "code"):
			if cols.sku < 0 {
				cols.sku = i
			}
		case containsAny(key, "qty", "quantity", "count"):
			if cols.quantity < 0 {
				cols.quantity = i
			}
		case containsAny(key, "unit price", "unit cost", "price each", "unit"):
			if cols.unitPrice < 0 {
				cols.unitPrice = i
			}
		case containsAny(key, "total", "amount", "extended"):
			if cols.totalPrice < 0 {
				cols.totalPrice = i
			}
		}
	}
	return cols
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseMoney(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
