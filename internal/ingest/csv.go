// Package ingest parses upstream export files into portability records.
//
// The upstream exports are semicolon-delimited CSV with a header row. Column
// order varies between exports, so parsing is header-driven: each row is
// mapped through the header index, unknown columns are ignored and missing
// optional columns leave their fields zero-valued (the store's carry-forward
// merge then preserves earlier values).
//
// Parsing is per-row isolated: a malformed row is reported in the result and
// skipped, it never fails the file.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/portatel/porttrack/internal/domain"
)

// Header names recognized in upstream exports.
const (
	colTaxID           = "tax_id"
	colAccessNumber    = "access_number"
	colOrderNumber     = "order_number"
	colExternalCode    = "external_code"
	colTicketNumber    = "ticket_number"
	colTicketStatus    = "ticket_status"
	colOrderStatus     = "order_status"
	colDonorOperator   = "donor_operator"
	colRefusalMotive   = "refusal_motive"
	colCancelMotive    = "cancel_motive"
	colNotConsulted    = "not_consulted_motive"
	colLastTicket      = "last_ticket"
	colPortabilityDate = "portability_date"
	colRequestDate     = "request_date"
	colCompletionDate  = "order_completion_date"
	colRescheduleDate  = "reschedule_date"
	colOrderPrice      = "order_price"
)

// dateLayouts are tried in order when parsing date columns. Upstream mixes
// the legacy day-first format with ISO timestamps.
var dateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// operatorCaser normalizes donor operator names to title case so rule
// conditions match regardless of upstream casing.
var operatorCaser = cases.Title(language.Und)

// RowError describes one rejected input row.
type RowError struct {
	Line int   // 1-based line number in the file, header included
	Err  error // what was wrong with the row
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Line, e.Err)
}

// Result is the outcome of parsing one file.
type Result struct {
	Records []domain.PortabilityRecord
	Errors  []RowError
}

// ParseFile reads and parses a semicolon-delimited export file.
func ParseFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	res, err := Parse(f)
	if err != nil {
		return res, err
	}
	for i := range res.Records {
		res.Records[i].SourceFile = path
	}
	return res, nil
}

// Parse reads semicolon-delimited CSV from r. The first row must be a
// header; an empty input or a header with none of the recognized columns is
// a file-level error.
func Parse(r io.Reader) (Result, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return Result{}, fmt.Errorf("empty input: missing header row")
	}
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[normalizeHeader(name)] = i
	}
	if !hasIdentityColumns(idx) {
		return Result{}, fmt.Errorf("header has no recognized identity columns")
	}

	var res Result
	line := 1
	for {
		line++
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, RowError{Line: line, Err: err})
			continue
		}
		rec, err := parseRow(idx, row)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Line: line, Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func hasIdentityColumns(idx map[string]int) bool {
	for _, c := range []string{colExternalCode, colOrderNumber, colAccessNumber, colTaxID} {
		if _, ok := idx[c]; ok {
			return true
		}
	}
	return false
}

func parseRow(idx map[string]int, row []string) (domain.PortabilityRecord, error) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec := domain.PortabilityRecord{
		TaxID:              digitsOnly(get(colTaxID)),
		AccessNumber:       digitsOnly(get(colAccessNumber)),
		OrderNumber:        get(colOrderNumber),
		ExternalCode:       get(colExternalCode),
		TicketNumber:       get(colTicketNumber),
		TicketStatus:       get(colTicketStatus),
		OrderStatus:        get(colOrderStatus),
		DonorOperator:      normalizeOperator(get(colDonorOperator)),
		RefusalMotive:      get(colRefusalMotive),
		CancelMotive:       get(colCancelMotive),
		NotConsultedMotive: get(colNotConsulted),
		InsertedAt:         time.Now().UTC(),
	}

	if v := get(colLastTicket); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return rec, fmt.Errorf("column %s: %w", colLastTicket, err)
		}
		rec.LastTicket = &b
	}

	dateCols := []struct {
		col string
		dst **time.Time
	}{
		{colPortabilityDate, &rec.PortabilityDate},
		{colRequestDate, &rec.RequestDate},
		{colCompletionDate, &rec.OrderCompletionDate},
		{colRescheduleDate, &rec.RescheduleDate},
	}
	for _, dc := range dateCols {
		v := get(dc.col)
		if v == "" {
			continue
		}
		t, err := parseDate(v)
		if err != nil {
			return rec, fmt.Errorf("column %s: %w", dc.col, err)
		}
		*dc.dst = &t
	}

	if v := get(colOrderPrice); v != "" {
		// Upstream writes decimal commas.
		p, err := decimal.NewFromString(strings.ReplaceAll(v, ",", "."))
		if err != nil {
			return rec, fmt.Errorf("column %s: %w", colOrderPrice, err)
		}
		rec.OrderPrice = p
	}

	return rec, nil
}

func normalizeHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "\ufeff") // BOM on the first column
	return strings.ReplaceAll(name, " ", "_")
}

func normalizeOperator(v string) string {
	if v == "" {
		return ""
	}
	return operatorCaser.String(strings.ToLower(v))
}

// digitsOnly strips formatting (dots, dashes, slashes) from identifier
// columns such as tax ids and phone numbers.
func digitsOnly(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "t", "yes", "y", "1", "s", "sim":
		return true, nil
	case "false", "f", "no", "n", "0", "nao", "não":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}
