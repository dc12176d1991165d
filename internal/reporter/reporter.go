// Package reporter renders statements, duplicate groups and mark results.
//
// Supported output formats:
//   - Console: Human-readable output for terminal display
//   - JSON: Structured data format for programmatic consumption
//   - CSV: One row per transaction for spreadsheet applications
//
// Report types available:
//   - GroupsReport: duplicate groups found by detection
//   - MarkReport: outcome of marking confirmed groups
//   - StatementReport: one statement and its transactions
//   - StatementListReport: the statements of a scope
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON})
//	err = generator.GenerateReport(reporter.GroupsReport{Threshold: 0.85, Groups: groups}, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/reprocess"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// IncludeTransactions lists transactions under each statement
	IncludeTransactions bool `json:"include_transactions"`

	// MaxListItems truncates console lists; zero prints everything
	MaxListItems int `json:"max_list_items"`

	// AmountExponent is the number of decimals of the minor currency unit
	AmountExponent int32 `json:"amount_exponent"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:              FormatConsole,
		IncludeTransactions: true,
		MaxListItems:        50,
		AmountExponent:      2,
		CSVDelimiter:        ',',
		CSVHeaders:          true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxListItems < 0 {
		return fmt.Errorf("max list items cannot be negative, got %d", c.MaxListItems)
	}
	if c.AmountExponent < 0 || c.AmountExponent > 8 {
		return fmt.Errorf("amount exponent must be between 0 and 8, got %d", c.AmountExponent)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// GroupsReport is the result of a detection run
type GroupsReport struct {
	Threshold float64                 `json:"threshold"`
	Groups    []models.DuplicateGroup `json:"groups"`
}

// MarkReport is the result of a mark call
type MarkReport struct {
	Result *models.MarkResult `json:"result"`
}

// StatementReport is a statement with its transactions
type StatementReport struct {
	Statement *models.StatementWithTransactions `json:"statement"`
}

// StatementListReport lists statements of a scope
type StatementListReport struct {
	Scope      string                    `json:"scope"`
	Statements []*models.StatementRecord `json:"statements"`
}

// ReprocessReport is the outcome of a reprocess request
type ReprocessReport struct {
	Result *reprocess.Result `json:"result"`
}

// ReportGenerator generates reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{
		config: config,
	}, nil
}

// GenerateReport writes report to writer in the configured format
func (rg *ReportGenerator) GenerateReport(report interface{}, writer io.Writer) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}

	switch rg.config.Format {
	case FormatJSON:
		return rg.generateJSONReport(report, writer)
	case FormatCSV:
		return rg.generateCSVReport(report, writer)
	case FormatConsole:
		return rg.generateConsoleReport(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) generateJSONReport(report interface{}, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func (rg *ReportGenerator) generateConsoleReport(report interface{}, writer io.Writer) error {
	switch r := report.(type) {
	case GroupsReport:
		rg.printGroups(r, writer)
	case MarkReport:
		rg.printMarkResult(r.Result, writer)
	case StatementReport:
		rg.printStatement(r.Statement, writer)
	case StatementListReport:
		rg.printStatementList(r, writer)
	case ReprocessReport:
		fmt.Fprintf(writer, "Reprocess %s: %s\n", r.Result.Outcome, r.Result.Statement.ID)
		rg.printStatementHeader(r.Result.Statement, writer)
	default:
		return fmt.Errorf("unsupported report type %T", report)
	}
	return nil
}

// generateCSVReport writes one row per transaction of the report
func (rg *ReportGenerator) generateCSVReport(report interface{}, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	var headers []string
	var rows [][]string

	switch r := report.(type) {
	case GroupsReport:
		headers = []string{"Group", "Role", "Transaction_ID", "Statement_ID", "Date", "Type", "Amount", "Counterparty", "Purpose", "Match_Type", "Confidence", "Needs_Review", "Transitive", "Via_ID"}
		for i, g := range r.Groups {
			group := strconv.Itoa(i + 1)
			rows = append(rows, append([]string{group, "master"}, rg.transactionColumns(g.Master)...))
			rows[len(rows)-1] = append(rows[len(rows)-1], "", "", "", "", "")
			for _, m := range g.Members {
				row := append([]string{group, "duplicate"}, rg.transactionColumns(m.Transaction)...)
				row = append(row,
					string(m.MatchType),
					strconv.FormatFloat(m.Similarity, 'f', 4, 64),
					strconv.FormatBool(m.NeedsReview),
					strconv.FormatBool(m.Transitive),
					m.ViaID,
				)
				rows = append(rows, row)
			}
		}
	case StatementReport:
		headers = []string{"Row", "Transaction_ID", "Statement_ID", "Date", "Type", "Amount", "Counterparty", "Purpose", "Document", "Duplicate_Of"}
		for _, tx := range r.Statement.Transactions {
			row := append([]string{strconv.Itoa(tx.RowNumber)}, rg.transactionColumns(tx)...)
			dup := ""
			if tx.IsDuplicate() {
				dup = *tx.DuplicateOfID
			}
			rows = append(rows, append(row, tx.DocumentNumber, dup))
		}
	case StatementListReport:
		headers = []string{"Statement_ID", "File_Name", "File_Type", "Status", "Transactions", "Created_At", "Error"}
		for _, s := range r.Statements {
			rows = append(rows, []string{
				s.ID, s.FileName, string(s.FileType), string(s.Status),
				strconv.Itoa(s.TransactionCount), s.CreatedAt.Format(time.RFC3339), s.ErrorDetail,
			})
		}
	case MarkReport:
		headers = []string{"Master_ID", "Duplicate_IDs", "Status", "Code", "Message"}
		rows = append(rows, []string{"", "", "marked", "", strconv.Itoa(r.Result.MarkedCount)})
		for _, f := range r.Result.FailedGroups {
			rows = append(rows, []string{f.MasterID, strings.Join(f.DuplicateIDs, " "), "failed", f.Code, f.Message})
		}
	default:
		return fmt.Errorf("unsupported report type %T for csv output", report)
	}

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	if err := csvWriter.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write CSV records: %w", err)
	}
	return nil
}

func (rg *ReportGenerator) transactionColumns(tx *models.TransactionRecord) []string {
	return []string{
		tx.ID,
		tx.StatementID,
		tx.TransactionDate.Format("2006-01-02"),
		string(tx.Type()),
		rg.amount(tx.Amount()),
		tx.CounterpartyName,
		tx.PaymentPurpose,
	}
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printGroups(r GroupsReport, writer io.Writer) {
	fmt.Fprintf(writer, "DUPLICATE DETECTION REPORT\n")
	fmt.Fprintf(writer, "Threshold: %.2f\n", r.Threshold)

	members, review := 0, 0
	for _, g := range r.Groups {
		members += len(g.Members)
		if g.NeedsReview() {
			review++
		}
	}
	fmt.Fprintf(writer, "Groups:    %d\n", len(r.Groups))
	fmt.Fprintf(writer, "Duplicates: %d\n", members)
	if review > 0 {
		fmt.Fprintf(writer, "Needing review: %d\n", review)
	}
	fmt.Fprintf(writer, "\n")

	for i, g := range r.Groups {
		if rg.truncate(i, len(r.Groups), writer) {
			break
		}
		fmt.Fprintf(writer, "=== GROUP %d ===\n", i+1)
		fmt.Fprintf(writer, "  Master:    %s\n", rg.describeTransaction(g.Master))
		for _, m := range g.Members {
			line := fmt.Sprintf("  %-9s  %s [%s %.4f]", "Duplicate:", rg.describeTransaction(m.Transaction), m.MatchType, m.Similarity)
			if m.NeedsReview {
				line += " needs review"
			}
			if m.Transitive {
				line += " via " + m.ViaID
			}
			fmt.Fprintln(writer, line)
		}
		fmt.Fprintf(writer, "\n")
	}
}

func (rg *ReportGenerator) printMarkResult(result *models.MarkResult, writer io.Writer) {
	fmt.Fprintf(writer, "MARK RESULT\n")
	fmt.Fprintf(writer, "Marked duplicates: %d\n", result.MarkedCount)
	fmt.Fprintf(writer, "Failed groups:     %d\n", len(result.FailedGroups))
	for _, f := range result.FailedGroups {
		fmt.Fprintf(writer, "  - master %s [%s]: %s (%s)\n", f.MasterID, strings.Join(f.DuplicateIDs, ", "), f.Code, f.Message)
	}
}

func (rg *ReportGenerator) printStatement(s *models.StatementWithTransactions, writer io.Writer) {
	rg.printStatementHeader(s.Statement, writer)
	if !rg.config.IncludeTransactions || len(s.Transactions) == 0 {
		return
	}

	fmt.Fprintf(writer, "\n=== TRANSACTIONS (%d) ===\n", len(s.Transactions))
	for i, tx := range s.Transactions {
		if rg.truncate(i, len(s.Transactions), writer) {
			break
		}
		line := fmt.Sprintf("  %d. row %d: %s", i+1, tx.RowNumber, rg.describeTransaction(tx))
		if tx.IsDuplicate() {
			line += " duplicate of " + *tx.DuplicateOfID
		}
		fmt.Fprintln(writer, line)
	}
}

func (rg *ReportGenerator) printStatementHeader(s *models.StatementRecord, writer io.Writer) {
	fmt.Fprintf(writer, "Statement:    %s\n", s.ID)
	fmt.Fprintf(writer, "File:         %s (%s, %d bytes)\n", s.FileName, s.FileType, s.FileSize)
	fmt.Fprintf(writer, "Scope:        %s\n", s.ScopeKey)
	fmt.Fprintf(writer, "Status:       %s\n", s.Status)
	fmt.Fprintf(writer, "Transactions: %d\n", s.TransactionCount)
	fmt.Fprintf(writer, "Created:      %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.ErrorDetail != "" {
		fmt.Fprintf(writer, "Error:        %s\n", s.ErrorDetail)
	}
}

func (rg *ReportGenerator) printStatementList(r StatementListReport, writer io.Writer) {
	fmt.Fprintf(writer, "Statements in %s: %d\n\n", r.Scope, len(r.Statements))
	for i, s := range r.Statements {
		if rg.truncate(i, len(r.Statements), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. %s  %-10s  %4d txs  %s\n", i+1, s.ID, s.Status, s.TransactionCount, s.FileName)
	}
}

func (rg *ReportGenerator) describeTransaction(tx *models.TransactionRecord) string {
	return fmt.Sprintf("%s %s %s %s %q",
		tx.ID,
		tx.TransactionDate.Format("2006-01-02"),
		tx.Type(),
		rg.amount(tx.Amount()),
		tx.CounterpartyName)
}

// truncate prints the "and N more" line once the list limit is reached
func (rg *ReportGenerator) truncate(i, total int, writer io.Writer) bool {
	if rg.config.MaxListItems == 0 || i < rg.config.MaxListItems {
		return false
	}
	fmt.Fprintf(writer, "  ... and %d more\n", total-i)
	return true
}

func (rg *ReportGenerator) amount(units int64) string {
	return models.FormatMinorUnits(units, rg.config.AmountExponent)
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}

	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}
