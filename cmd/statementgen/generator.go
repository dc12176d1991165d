package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Duplicate variants injected into a generated statement
const (
	VariantExact     = "exact"
	VariantReworded  = "reworded"
	VariantShiftDate = "shifted"
)

var header = []string{"date", "counterparty", "amount", "purpose", "document"}

var counterparties = []string{
	"ACME Corp", "Globex", "Initech", "Umbrella", "Hooli", "Stark Industries",
	"Wayne Enterprises", "Soylent", "Wonka Industries", "Cyberdyne Systems",
}

var purposes = []string{
	"Invoice", "Subscription", "Refund", "Office supplies", "Consulting fee",
	"Rent", "Travel", "Salary", "Hosting", "Licence renewal",
}

// StatementGenerator generates statement files with known duplicate rows
type StatementGenerator struct {
	Count          int
	StartDate      time.Time
	EndDate        time.Time
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	DuplicateRatio float64
	Seed           int64
}

// Row is one generated statement line
type Row struct {
	Date         time.Time
	Counterparty string
	Amount       decimal.Decimal
	Purpose      string
	Document     string
}

// InjectedDuplicate records which row copies which, by index in the output
type InjectedDuplicate struct {
	Source    int
	Duplicate int
	Variant   string
}

// Validate checks the generator parameters
func (sg *StatementGenerator) Validate() error {
	if sg.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", sg.Count)
	}
	if sg.EndDate.Before(sg.StartDate) {
		return fmt.Errorf("end date %s is before start date %s",
			sg.EndDate.Format("2006-01-02"), sg.StartDate.Format("2006-01-02"))
	}
	if sg.MinAmount.LessThanOrEqual(decimal.Zero) || sg.MaxAmount.LessThan(sg.MinAmount) {
		return fmt.Errorf("amount range %s..%s is invalid", sg.MinAmount, sg.MaxAmount)
	}
	if sg.DuplicateRatio < 0 || sg.DuplicateRatio > 1 {
		return fmt.Errorf("duplicate ratio must be between 0 and 1, got %.2f", sg.DuplicateRatio)
	}
	return nil
}

// Generate returns Count unique rows followed by the injected duplicates
func (sg *StatementGenerator) Generate() ([]Row, []InjectedDuplicate) {
	rng := rand.New(rand.NewSource(sg.Seed))

	rows := make([]Row, 0, sg.Count)
	for i := 0; i < sg.Count; i++ {
		rows = append(rows, sg.randomRow(rng, i))
	}

	dupCount := int(float64(sg.Count) * sg.DuplicateRatio)
	variants := []string{VariantExact, VariantReworded, VariantShiftDate}
	injected := make([]InjectedDuplicate, 0, dupCount)
	for _, source := range rng.Perm(sg.Count)[:dupCount] {
		variant := variants[len(injected)%len(variants)]
		rows = append(rows, duplicateOf(rows[source], variant))
		injected = append(injected, InjectedDuplicate{Source: source, Duplicate: len(rows) - 1, Variant: variant})
	}

	return rows, injected
}

func (sg *StatementGenerator) randomRow(rng *rand.Rand, i int) Row {
	days := int(sg.EndDate.Sub(sg.StartDate).Hours() / 24)
	date := sg.StartDate.AddDate(0, 0, rng.Intn(days+1))

	span := sg.MaxAmount.Sub(sg.MinAmount)
	amount := sg.MinAmount.Add(span.Mul(decimal.NewFromFloat(rng.Float64()))).Round(2)
	// roughly two thirds of the lines are outgoing
	if rng.Intn(3) > 0 {
		amount = amount.Neg()
	}

	return Row{
		Date:         date,
		Counterparty: counterparties[rng.Intn(len(counterparties))],
		Amount:       amount,
		Purpose:      fmt.Sprintf("%s %d", purposes[rng.Intn(len(purposes))], 1000+i),
		Document:     fmt.Sprintf("DOC-%06d", i+1),
	}
}

func duplicateOf(row Row, variant string) Row {
	dup := row
	switch variant {
	case VariantReworded:
		dup.Counterparty = strings.ToUpper(row.Counterparty) + "."
		dup.Document = ""
	case VariantShiftDate:
		dup.Date = row.Date.AddDate(0, 0, 1)
		dup.Document = ""
	}
	return dup
}

func (r Row) record() []string {
	return []string{
		r.Date.Format("2006-01-02"),
		r.Counterparty,
		r.Amount.StringFixed(2),
		r.Purpose,
		r.Document,
	}
}

// WriteCSV writes rows as a comma separated statement with a header
func WriteCSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write(row.record()); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteXLSX writes rows to the first sheet of a new workbook
func WriteXLSX(w io.Writer, rows []Row) error {
	book := excelize.NewFile()
	defer book.Close()

	sheet := book.GetSheetName(0)
	if err := book.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		record := row.record()
		if err := book.SetSheetRow(sheet, cell, &record); err != nil {
			return err
		}
	}

	_, err := book.WriteTo(w)
	return err
}
