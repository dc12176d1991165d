package normalizer

import (
	"testing"
	"time"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

func newTestNormalizer(t *testing.T, mutate func(*Config)) *Normalizer {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	n, err := New(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return n
}

func floatPtr(f float64) *float64 { return &f }

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"1000.00", "1000", false},
		{"-1 000,50", "-1000.5", false},
		{"1.234,56", "1234.56", false},
		{"1,234.56", "1234.56", false},
		{"1,234", "1234", false},
		{"12,5", "12.5", false},
		{"$ 99.99", "99.99", false},
		{"1 500,00 RUB", "1500", false},
		{"€1.000.000", "1000000", false},
		{"(250.00)", "-250", false},
		{"250.00-", "-250", false},
		{"+17", "17", false},
		{"1'234.50", "1234.5", false},
		{"", "", true},
		{"USD", "", true},
		{"12#4", "", true},
		{"USD -42", "-42", false},
		{"−7,50 €", "-7.5", false},
		{"2024-01-05", "", true},
		{"12abc34", "", true},
		{"1e5", "", true},
		{"1-2", "", true},
		{"--5", "", true},
		{"(-5)", "", true},
		{"-5-", "", true},
		{"12 USD 34", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				if !errors.IsCategory(err, errors.CategoryValidation) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		input    string
		exponent int32
		want     int64
	}{
		{"1000", 2, 100000},
		{"1003", 2, 100300},
		{"12.345", 2, 1235},
		{"-12.345", 2, -1235},
		{"0.004", 2, 0},
		{"7", 0, 7},
		{"1.5", 3, 1500},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseAmount(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, err := ToMinorUnits(d, tt.exponent)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToMinorUnits(%s, %d) = %d, want %d", tt.input, tt.exponent, got, tt.want)
			}
		})
	}

	d, _ := ParseAmount("99999999999999999999")
	if _, err := ToMinorUnits(d, 2); !errors.HasCode(err, errors.CodeOutOfRange) {
		t.Errorf("expected out of range error, got %v", err)
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	for _, input := range []string{
		"2024-01-05",
		"05.01.2024",
		"05/01/2024",
		"2024/01/05",
		"2024-01-05T23:30:00+05:00",
		"2024-01-05T00:10:00-08:00",
		"2024-01-05 18:45:00",
		"05-Jan-2024",
		" 2024-01-05 ",
	} {
		t.Run(input, func(t *testing.T) {
			got, err := ParseDate(input, DefaultDateLayouts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(want) || got.Location() != time.UTC {
				t.Errorf("ParseDate(%q) = %v, want %v", input, got, want)
			}
		})
	}

	for _, input := range []string{"", "31.02.2024", "yesterday", "2024-13-01"} {
		t.Run("invalid "+input, func(t *testing.T) {
			if _, err := ParseDate(input, DefaultDateLayouts); !errors.IsCategory(err, errors.CategoryValidation) {
				t.Errorf("expected validation error for %q, got %v", input, err)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ACME LLC", "acme llc"},
		{"ACME LLC.", "acme llc"},
		{"  Acme,   L.L.C.  ", "acme l l c"},
		{"ＡＣＭＥ　ＬＬＣ", "acme llc"},
		{"Straße GmbH", "strasse gmbh"},
		{"ООО «Ромашка»", "ооо ромашка"},
		{"Payment #123 / invoice", "payment 123 invoice"},
		{"", ""},
		{"...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeText(tt.input); got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSortTokens(t *testing.T) {
	if got := SortTokens("llc acme"); got != "acme llc" {
		t.Errorf("SortTokens() = %q", got)
	}
	if got := SortTokens("single"); got != "single" {
		t.Errorf("SortTokens() = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	n := newTestNormalizer(t, nil)
	date := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		candidate  models.RawCandidate
		wantDebit  int64
		wantCredit int64
		wantCode   errors.ErrorCode
	}{
		{
			name:      "signed negative text is debit",
			candidate: models.RawCandidate{DateText: "2024-01-05", AmountText: "-1000.00", CounterpartyText: " ACME LLC "},
			wantDebit: 100000,
		},
		{
			name:       "signed positive number is credit",
			candidate:  models.RawCandidate{DateText: "05.01.2024", AmountNumber: floatPtr(12.5)},
			wantCredit: 1250,
		},
		{
			name:      "split columns",
			candidate: models.RawCandidate{DateText: "2024-01-05", DebitText: "1 003,00", CreditText: ""},
			wantDebit: 100300,
		},
		{
			name:      "zero movement",
			candidate: models.RawCandidate{DateText: "2024-01-05", AmountText: "0,00"},
			wantCode:  errors.CodeZeroMovement,
		},
		{
			name:      "both sides",
			candidate: models.RawCandidate{DateText: "2024-01-05", DebitText: "1", CreditText: "2"},
			wantCode:  errors.CodeAmbiguousMovement,
		},
		{
			name:      "negative split column",
			candidate: models.RawCandidate{DateText: "2024-01-05", DebitText: "-5"},
			wantCode:  errors.CodeInvalidAmount,
		},
		{
			name:      "bad date",
			candidate: models.RawCandidate{DateText: "not a date", AmountText: "1"},
			wantCode:  errors.CodeInvalidDate,
		},
		{
			name:      "missing amount",
			candidate: models.RawCandidate{DateText: "2024-01-05"},
			wantCode:  errors.CodeMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := n.Normalize(tt.candidate)
			if tt.wantCode != "" {
				if !errors.HasCode(err, tt.wantCode) {
					t.Fatalf("expected code %s, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tx.Debit != tt.wantDebit || tx.Credit != tt.wantCredit {
				t.Errorf("got debit=%d credit=%d, want debit=%d credit=%d", tx.Debit, tx.Credit, tt.wantDebit, tt.wantCredit)
			}
			if !tx.TransactionDate.Equal(date) {
				t.Errorf("unexpected date %v", tx.TransactionDate)
			}
			if err := tx.Validate(); err != nil {
				t.Errorf("normalized record is invalid: %v", err)
			}
		})
	}

	tx, err := n.Normalize(models.RawCandidate{DateText: "2024-01-05", AmountText: "-1", CounterpartyText: "  ACME LLC. "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.CounterpartyName != "ACME LLC." || tx.NormalizedCounterparty != "acme llc" {
		t.Errorf("unexpected counterparty fields: %q / %q", tx.CounterpartyName, tx.NormalizedCounterparty)
	}
}

func TestNormalizeAll(t *testing.T) {
	candidates := []models.RawCandidate{
		{DateText: "2024-01-05", AmountText: "-10"},
		{DateText: "bad", AmountText: "-10"},
		{DateText: "2024-01-06", AmountText: "15"},
		{DateText: "2024-01-07", AmountText: "0"},
	}

	t.Run("strict fails on first invalid row", func(t *testing.T) {
		n := newTestNormalizer(t, nil)
		_, err := n.NormalizeAll(candidates)
		if !errors.HasCode(err, errors.CodeInvalidDate) {
			t.Fatalf("expected invalid date error, got %v", err)
		}
		se, _ := errors.AsServiceError(err)
		if se.Context["row"] != 2 {
			t.Errorf("expected row 2 in context, got %v", se.Context["row"])
		}
	})

	t.Run("skip invalid rows", func(t *testing.T) {
		n := newTestNormalizer(t, func(c *Config) { c.SkipInvalidRows = true })
		result, err := n.NormalizeAll(candidates)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Transactions) != 2 || len(result.Skipped) != 2 {
			t.Fatalf("expected 2 kept and 2 skipped, got %d and %d", len(result.Transactions), len(result.Skipped))
		}
		if result.Transactions[1].RowNumber != 3 {
			t.Errorf("expected row numbers to be assigned, got %d", result.Transactions[1].RowNumber)
		}
		if result.Skipped[1].Row != 4 {
			t.Errorf("expected skipped row 4, got %d", result.Skipped[1].Row)
		}
	})

	t.Run("skip stops at max row errors", func(t *testing.T) {
		n := newTestNormalizer(t, func(c *Config) { c.SkipInvalidRows = true; c.MaxRowErrors = 2 })
		if _, err := n.NormalizeAll(candidates); !errors.IsCategory(err, errors.CategoryValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		n := newTestNormalizer(t, nil)
		result, err := n.NormalizeAll(nil)
		if err != nil || len(result.Transactions) != 0 {
			t.Fatalf("expected empty result, got %v, %v", result, err)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no layouts", func(c *Config) { c.DateLayouts = nil }, true},
		{"blank layout", func(c *Config) { c.DateLayouts = []string{" "} }, true},
		{"negative exponent", func(c *Config) { c.MinorUnitExponent = -1 }, true},
		{"negative max errors", func(c *Config) { c.MaxRowErrors = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := New(&Config{}, logger.Discard()); !errors.IsCategory(err, errors.CategoryConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
