package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StatementStatus is the lifecycle state of an uploaded statement
type StatementStatus string

const (
	StatusUploaded   StatementStatus = "uploaded"
	StatusProcessing StatementStatus = "processing"
	StatusParsed     StatementStatus = "parsed"
	StatusError      StatementStatus = "error"
)

// String returns the string representation of StatementStatus
func (s StatementStatus) String() string {
	return string(s)
}

// IsValid checks if the status is one of the four lifecycle states
func (s StatementStatus) IsValid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusParsed, StatusError:
		return true
	}
	return false
}

// FileType identifies the format of an uploaded statement
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeXLSX FileType = "xlsx"
)

// ParseFileType normalizes a file type name or extension
func ParseFileType(s string) (FileType, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	switch s {
	case "csv", "text/csv":
		return FileTypeCSV, nil
	case "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FileTypeXLSX, nil
	default:
		return "", fmt.Errorf("unsupported file type '%s': must be csv or xlsx", s)
	}
}

// TransactionType represents the side of a transaction
type TransactionType string

const (
	// TransactionTypeDebit represents money leaving the account
	TransactionTypeDebit TransactionType = "DEBIT"
	// TransactionTypeCredit represents money entering the account
	TransactionTypeCredit TransactionType = "CREDIT"
)

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// IsValid checks if the transaction type is valid
func (t TransactionType) IsValid() bool {
	return t == TransactionTypeDebit || t == TransactionTypeCredit
}

// Scope identifies the owner of statements and transactions. Content hash
// uniqueness and every read are confined to a scope.
type Scope struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`
}

// Key returns the uniqueness key: workspace:<id> when a workspace is present,
// otherwise owner:<id>.
func (s Scope) Key() string {
	if ws := strings.TrimSpace(s.WorkspaceID); ws != "" {
		return "workspace:" + ws
	}
	return "owner:" + strings.TrimSpace(s.OwnerID)
}

// Validate checks that the scope names a workspace or an owner
func (s Scope) Validate() error {
	if strings.TrimSpace(s.WorkspaceID) == "" && strings.TrimSpace(s.OwnerID) == "" {
		return fmt.Errorf("scope requires a workspace or an owner")
	}
	return nil
}

// String returns a string representation of the Scope
func (s Scope) String() string {
	return s.Key()
}

// StatementMeta describes an upload
type StatementMeta struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
}

// StatementRecord is an uploaded statement and its processing state
type StatementRecord struct {
	ID                  string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	WorkspaceID         string          `gorm:"type:varchar(64);index" json:"workspaceId,omitempty"`
	OwnerID             string          `gorm:"type:varchar(64);index" json:"ownerId,omitempty"`
	ScopeKey            string          `gorm:"type:varchar(140);not null;uniqueIndex:idx_statement_scope_hash,priority:1" json:"scopeKey"`
	ContentHash         string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_statement_scope_hash,priority:2" json:"contentHash"`
	FileName            string          `gorm:"type:varchar(255);not null" json:"fileName"`
	FileType            FileType        `gorm:"type:varchar(16);not null" json:"fileType"`
	FileRef             string          `gorm:"type:varchar(255);not null" json:"fileRef"`
	FileSize            int64           `gorm:"not null;default:0" json:"fileSize"`
	Status              StatementStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorDetail         string          `gorm:"type:text" json:"errorDetail,omitempty"`
	TransactionCount    int             `gorm:"not null;default:0" json:"transactionCount"`
	ProcessingStartedAt *time.Time      `gorm:"index" json:"processingStartedAt,omitempty"`
	CreatedAt           time.Time       `gorm:"not null" json:"createdAt"`
	UpdatedAt           time.Time       `gorm:"not null" json:"updatedAt"`
}

// TableName overrides the gorm table name
func (StatementRecord) TableName() string { return "statements" }

// AfterFind moves loaded timestamps to UTC
func (s *StatementRecord) AfterFind(tx *gorm.DB) error {
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.ProcessingStartedAt != nil {
		started := s.ProcessingStartedAt.UTC()
		s.ProcessingStartedAt = &started
	}
	return nil
}

// InScope reports whether the statement belongs to scope
func (s *StatementRecord) InScope(scope Scope) bool {
	return s.ScopeKey == scope.Key()
}

// Clone returns a deep copy
func (s *StatementRecord) Clone() *StatementRecord {
	if s == nil {
		return nil
	}
	out := *s
	if s.ProcessingStartedAt != nil {
		t := *s.ProcessingStartedAt
		out.ProcessingStartedAt = &t
	}
	return &out
}

// String returns a string representation of the StatementRecord
func (s *StatementRecord) String() string {
	return fmt.Sprintf("Statement{ID: %s, File: %s, Status: %s, Scope: %s}",
		s.ID, s.FileName, s.Status, s.ScopeKey)
}

// TransactionRecord is one monetary movement extracted from a statement.
// Debit and credit are minor currency units; exactly one of them is positive.
type TransactionRecord struct {
	ID                     string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	StatementID            string     `gorm:"type:varchar(36);not null;index" json:"statementId"`
	WorkspaceID            string     `gorm:"type:varchar(64);index" json:"workspaceId,omitempty"`
	ScopeKey               string     `gorm:"type:varchar(140);not null;index" json:"scopeKey"`
	RowNumber              int        `gorm:"column:source_row;not null;default:0" json:"rowNumber"`
	TransactionDate        time.Time  `gorm:"not null;index" json:"transactionDate"`
	CounterpartyName       string     `gorm:"type:varchar(512)" json:"counterpartyName"`
	NormalizedCounterparty string     `gorm:"type:varchar(512)" json:"-"`
	Debit                  int64      `gorm:"not null;default:0" json:"debit"`
	Credit                 int64      `gorm:"not null;default:0" json:"credit"`
	PaymentPurpose         string     `gorm:"type:text" json:"paymentPurpose"`
	DocumentNumber         string     `gorm:"type:varchar(128)" json:"documentNumber,omitempty"`
	DuplicateOfID          *string    `gorm:"type:varchar(36);index" json:"duplicateOfId,omitempty"`
	DuplicateConfidence    *float64   `json:"duplicateConfidence,omitempty"`
	DuplicateMatchType     *MatchType `gorm:"type:varchar(16)" json:"duplicateMatchType,omitempty"`
	CreatedAt              time.Time  `gorm:"not null" json:"createdAt"`
}

// TableName overrides the gorm table name
func (TransactionRecord) TableName() string { return "transactions" }

// AfterFind moves loaded timestamps to UTC. Drivers may return them in the
// local zone, which would move a date-only value to the previous day.
func (t *TransactionRecord) AfterFind(tx *gorm.DB) error {
	t.TransactionDate = t.TransactionDate.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return nil
}

// Type returns the side of the movement
func (t *TransactionRecord) Type() TransactionType {
	if t.Debit > 0 {
		return TransactionTypeDebit
	}
	return TransactionTypeCredit
}

// Amount returns the absolute movement in minor units
func (t *TransactionRecord) Amount() int64 {
	if t.Debit > 0 {
		return t.Debit
	}
	return t.Credit
}

// IsDuplicate reports whether the transaction is linked to a master
func (t *TransactionRecord) IsDuplicate() bool {
	return t.DuplicateOfID != nil && *t.DuplicateOfID != ""
}

// Validate performs basic validation on the TransactionRecord
func (t *TransactionRecord) Validate() error {
	if t.Debit < 0 || t.Credit < 0 {
		return fmt.Errorf("debit and credit cannot be negative")
	}
	if (t.Debit > 0) == (t.Credit > 0) {
		return fmt.Errorf("exactly one of debit or credit must be greater than zero")
	}
	if t.TransactionDate.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	if t.DuplicateOfID != nil && *t.DuplicateOfID == t.ID {
		return fmt.Errorf("transaction cannot be a duplicate of itself")
	}
	return nil
}

// Clone returns a deep copy
func (t *TransactionRecord) Clone() *TransactionRecord {
	if t == nil {
		return nil
	}
	out := *t
	if t.DuplicateOfID != nil {
		v := *t.DuplicateOfID
		out.DuplicateOfID = &v
	}
	if t.DuplicateConfidence != nil {
		v := *t.DuplicateConfidence
		out.DuplicateConfidence = &v
	}
	if t.DuplicateMatchType != nil {
		v := *t.DuplicateMatchType
		out.DuplicateMatchType = &v
	}
	return &out
}

// ClearDuplicateLink removes the master reference
func (t *TransactionRecord) ClearDuplicateLink() {
	t.DuplicateOfID = nil
	t.DuplicateConfidence = nil
	t.DuplicateMatchType = nil
}

// String returns a string representation of the TransactionRecord
func (t *TransactionRecord) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Date: %s, %s %d, Counterparty: %q}",
		t.ID, t.TransactionDate.Format("2006-01-02"), t.Type(), t.Amount(), t.CounterpartyName)
}

// StatementWithTransactions is a statement and the records of its last successful parse
type StatementWithTransactions struct {
	Statement    *StatementRecord     `json:"statement"`
	Transactions []*TransactionRecord `json:"transactions"`
}

// RawCandidate is an unvalidated transaction as extracted by a parser.
// Either AmountText/AmountNumber (signed) or DebitText/CreditText is set.
type RawCandidate struct {
	RowNumber        int      `json:"rowNumber"`
	DateText         string   `json:"dateText"`
	AmountText       string   `json:"amountText,omitempty"`
	AmountNumber     *float64 `json:"amountNumber,omitempty"`
	DebitText        string   `json:"debitText,omitempty"`
	CreditText       string   `json:"creditText,omitempty"`
	CounterpartyText string   `json:"counterpartyText"`
	PurposeText      string   `json:"purposeText"`
	DocumentNumber   string   `json:"documentNumber,omitempty"`
}

// HasSplitAmount reports whether the candidate carries separate debit/credit columns
func (c *RawCandidate) HasSplitAmount() bool {
	return strings.TrimSpace(c.DebitText) != "" || strings.TrimSpace(c.CreditText) != ""
}

// MinorUnitsToDecimal converts minor units to a decimal with the given exponent
func MinorUnitsToDecimal(units int64, exponent int32) decimal.Decimal {
	return decimal.New(units, -exponent)
}

// FormatMinorUnits renders minor units as a fixed-point string
func FormatMinorUnits(units int64, exponent int32) string {
	return MinorUnitsToDecimal(units, exponent).StringFixed(exponent)
}

// DateOnly truncates t to UTC midnight of its calendar date
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute number of calendar days between two dates
func DaysBetween(a, b time.Time) int {
	diff := DateOnly(a).Sub(DateOnly(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}
