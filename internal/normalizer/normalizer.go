// Package normalizer turns raw parser candidates into canonical transaction
// fields: UTC calendar dates, integer minor-unit amounts on exactly one side,
// and a folded counterparty form used for matching.
package normalizer

import (
	"strings"

	"github.com/shopspring/decimal"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// rowErrorSummaryLimit caps how many row errors are listed in a batch error message
const rowErrorSummaryLimit = 5

// Normalizer validates and canonicalizes RawCandidates
type Normalizer struct {
	config *Config
	logger logger.Logger
}

// Result is the outcome of a batch normalization
type Result struct {
	Transactions []*models.TransactionRecord
	Skipped      []*errors.RowError
}

// New creates a Normalizer. A nil config uses DefaultConfig.
func New(config *Config, log logger.Logger) (*Normalizer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "normalizer", config, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Normalizer{config: config, logger: log.WithComponent("normalizer")}, nil
}

// Config returns the active configuration
func (n *Normalizer) Config() *Config {
	return n.config
}

// Normalize converts one candidate. The returned record has no id, statement
// or scope; the caller assigns those.
func (n *Normalizer) Normalize(c models.RawCandidate) (*models.TransactionRecord, error) {
	date, err := ParseDate(c.DateText, n.config.DateLayouts)
	if err != nil {
		return nil, err
	}

	debit, credit, err := n.movement(c)
	if err != nil {
		return nil, err
	}

	counterparty := strings.TrimSpace(c.CounterpartyText)
	return &models.TransactionRecord{
		RowNumber:              c.RowNumber,
		TransactionDate:        date,
		CounterpartyName:       counterparty,
		NormalizedCounterparty: NormalizeText(counterparty),
		Debit:                  debit,
		Credit:                 credit,
		PaymentPurpose:         strings.TrimSpace(c.PurposeText),
		DocumentNumber:         strings.TrimSpace(c.DocumentNumber),
	}, nil
}

func (n *Normalizer) movement(c models.RawCandidate) (int64, int64, error) {
	exp := n.config.MinorUnitExponent

	if c.HasSplitAmount() {
		debit, err := n.sideAmount("debit", c.DebitText)
		if err != nil {
			return 0, 0, err
		}
		credit, err := n.sideAmount("credit", c.CreditText)
		if err != nil {
			return 0, 0, err
		}
		return debit, credit, checkMovement(debit, credit)
	}

	var amount decimal.Decimal
	switch {
	case c.AmountNumber != nil:
		amount = decimal.NewFromFloat(*c.AmountNumber)
	default:
		var err error
		amount, err = ParseAmount(c.AmountText)
		if err != nil {
			return 0, 0, err
		}
	}

	units, err := ToMinorUnits(amount, exp)
	if err != nil {
		return 0, 0, err
	}

	var debit, credit int64
	if units < 0 {
		debit = -units
	} else {
		credit = units
	}
	return debit, credit, checkMovement(debit, credit)
}

func (n *Normalizer) sideAmount(field, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	d, err := ParseAmount(text)
	if err != nil {
		if se, ok := errors.AsServiceError(err); ok {
			se.WithContext("field", field)
		}
		return 0, err
	}
	if d.IsNegative() {
		return 0, errors.ValidationError(errors.CodeInvalidAmount, field, text, nil).
			WithSuggestion("split debit and credit columns must not be negative")
	}
	return ToMinorUnits(d, n.config.MinorUnitExponent)
}

func checkMovement(debit, credit int64) error {
	switch {
	case debit == 0 && credit == 0:
		return errors.ValidationError(errors.CodeZeroMovement, "amount", 0, nil)
	case debit > 0 && credit > 0:
		return errors.ValidationError(errors.CodeAmbiguousMovement, "amount", map[string]int64{"debit": debit, "credit": credit}, nil)
	}
	return nil
}

// NormalizeAll normalizes a batch. In strict mode the first invalid row fails
// the batch; with SkipInvalidRows invalid rows are reported in Result.Skipped
// until MaxRowErrors is reached.
func (n *Normalizer) NormalizeAll(candidates []models.RawCandidate) (*Result, error) {
	collector := errors.NewRowErrorCollector(n.config.MaxRowErrors, n.config.SkipInvalidRows)
	result := &Result{Transactions: make([]*models.TransactionRecord, 0, len(candidates))}

	for i, c := range candidates {
		row := c.RowNumber
		if row == 0 {
			row = i + 1
			c.RowNumber = row
		}

		tx, err := n.Normalize(c)
		if err == nil {
			result.Transactions = append(result.Transactions, tx)
			continue
		}

		if !collector.Add(row, err) {
			first := collector.First()
			return nil, errors.New(errors.CategoryValidation, first.Err.Code, collector.Summary(rowErrorSummaryLimit)).
				WithSuggestion(first.Err.Suggestion).
				WithContext("row", first.Row).
				WithContext("invalid_rows", len(collector.Errors()))
		}
	}

	if collector.HasErrors() {
		result.Skipped = collector.Errors()
		n.logger.WithFields(logger.Fields{
			"skipped": len(result.Skipped),
			"kept":    len(result.Transactions),
		}).Warn("Skipped invalid statement rows")
	}

	return result, nil
}
