package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"drugstore-canary/internal/sales"
)

var salesColumns = []string{"pharmacy_id", "zone_id", "medicine_category", "date", "quantity_sold"}

// ReadSalesCSV parses a sales export with the header
// pharmacy_id,zone_id,medicine_category,date,quantity_sold. Columns may appear in any order.
// zoneOf fills in zone_id when the column is empty or missing.
func ReadSalesCSV(r io.Reader, zoneOf func(pharmacyID string) string) ([]sales.Record, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range salesColumns {
		if col == "zone_id" {
			continue
		}
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("csv header missing column %q", col)
		}
	}

	records := make([]sales.Record, 0)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		date, err := time.Parse(time.DateOnly, field("date"))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parse date: %w", line, err)
		}
		qty, err := strconv.ParseInt(field("quantity_sold"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: parse quantity_sold: %w", line, err)
		}
		if qty < 0 {
			return nil, fmt.Errorf("csv line %d: %w: negative quantity %d", line, sales.ErrInvalidRecord, qty)
		}

		rec := sales.Record{
			PharmacyID:   field("pharmacy_id"),
			ZoneID:       field("zone_id"),
			Category:     field("medicine_category"),
			Date:         date,
			QuantitySold: qty,
		}
		if rec.ZoneID == "" && zoneOf != nil {
			rec.ZoneID = zoneOf(rec.PharmacyID)
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteSalesCSV writes records in the format ReadSalesCSV accepts.
func WriteSalesCSV(w io.Writer, records []sales.Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(salesColumns); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write([]string{
			rec.PharmacyID,
			rec.ZoneID,
			rec.Category,
			rec.Date.Format(time.DateOnly),
			strconv.FormatInt(rec.QuantitySold, 10),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
