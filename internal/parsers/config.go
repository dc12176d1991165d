package parsers

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Standard field names a statement column can map to
const (
	FieldDate         = "date"
	FieldAmount       = "amount"
	FieldDebit        = "debit"
	FieldCredit       = "credit"
	FieldCounterparty = "counterparty"
	FieldPurpose      = "purpose"
	FieldDocument     = "document"
)

// standardFields lists every field in lookup order
var standardFields = []string{
	FieldDate, FieldAmount, FieldDebit, FieldCredit, FieldCounterparty, FieldPurpose, FieldDocument,
}

// DefaultColumnAliases maps each field to the header names recognized for it.
// Matching is case-insensitive and ignores surrounding whitespace.
var DefaultColumnAliases = map[string][]string{
	FieldDate:         {"date", "transaction date", "posting date", "booking date", "value date", "operation date"},
	FieldAmount:       {"amount", "sum", "transaction amount", "value"},
	FieldDebit:        {"debit", "withdrawal", "withdrawals", "paid out", "outflow", "expense"},
	FieldCredit:       {"credit", "deposit", "deposits", "paid in", "inflow", "income"},
	FieldCounterparty: {"counterparty", "counterparty name", "payee", "payer", "beneficiary", "name", "description"},
	FieldPurpose:      {"purpose", "payment purpose", "details", "memo", "narrative", "remittance information"},
	FieldDocument:     {"document", "document number", "doc no", "document no", "reference", "reference number"},
}

// Config holds configuration for statement parsing
type Config struct {
	// Delimiter is a single character; empty means detect from the header line
	Delimiter        string              `mapstructure:"delimiter" json:"delimiter"`
	TrimLeadingSpace bool                `mapstructure:"trim_leading_space" json:"trim_leading_space"`
	SkipEmptyRows    bool                `mapstructure:"skip_empty_rows" json:"skip_empty_rows"`
	MaxFieldSize     int                 `mapstructure:"max_field_size" json:"max_field_size"`
	ValidateEncoding bool                `mapstructure:"validate_encoding" json:"validate_encoding"`
	Sheet            string              `mapstructure:"sheet" json:"sheet"`
	ColumnAliases    map[string][]string `mapstructure:"column_aliases" json:"column_aliases,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Delimiter:        "",
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     64 * 1024,
		ValidateEncoding: true,
		ColumnAliases:    make(map[string][]string),
	}
}

// Validate checks if the parser configuration is valid
func (c *Config) Validate() error {
	if c.Delimiter != "" {
		if utf8.RuneCountInString(c.Delimiter) != 1 {
			return fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter)
		}
		r, _ := utf8.DecodeRuneInString(c.Delimiter)
		if r == '"' || r == '\r' || r == '\n' {
			return fmt.Errorf("delimiter %q is not allowed", c.Delimiter)
		}
	}
	if c.MaxFieldSize < 0 {
		return fmt.Errorf("max field size cannot be negative, got %d", c.MaxFieldSize)
	}
	for field := range c.ColumnAliases {
		if !isStandardField(field) {
			return fmt.Errorf("unknown field %q in column aliases", field)
		}
	}
	return nil
}

// Aliases returns the header names for field, configured aliases first
func (c *Config) Aliases(field string) []string {
	out := make([]string, 0, len(c.ColumnAliases[field])+len(DefaultColumnAliases[field]))
	out = append(out, c.ColumnAliases[field]...)
	out = append(out, DefaultColumnAliases[field]...)
	return out
}

// delimiterRune returns the configured delimiter, or detects one from line
func (c *Config) delimiterRune(line string) rune {
	if c.Delimiter != "" {
		r, _ := utf8.DecodeRuneInString(c.Delimiter)
		return r
	}
	best, bestCount := ',', 0
	for _, candidate := range []rune{',', ';', '\t', '|'} {
		if n := strings.Count(line, string(candidate)); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}

func isStandardField(field string) bool {
	for _, f := range standardFields {
		if f == field {
			return true
		}
	}
	return false
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer("_", " ", "-", " ", ".", "").Replace(h)
	return strings.Join(strings.Fields(h), " ")
}
