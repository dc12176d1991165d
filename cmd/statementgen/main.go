// Command statementgen writes synthetic bank statements with known duplicate
// rows, for exercising 'statements submit' and 'statements detect'.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	output         string
	count          int
	startDate      string
	endDate        string
	minAmount      float64
	maxAmount      float64
	duplicateRatio float64
	seed           int64
)

var rootCmd = &cobra.Command{
	Use:   "statementgen",
	Short: "Generate statement files with injected duplicates",
	Long: `Statementgen writes COUNT random statement lines followed by copies of
a share of them. Copies are exact, reworded (counterparty case and
punctuation) or shifted by one day. The format follows the output extension:
.csv or .xlsx.

Examples:
  statementgen -o january.csv --count 500 --duplicate-ratio 0.1
  statementgen -o january.xlsx --seed 42`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "generated_statement.csv", "output file (.csv or .xlsx)")
	rootCmd.Flags().IntVarP(&count, "count", "c", 1000, "number of unique lines")
	rootCmd.Flags().StringVar(&startDate, "start-date", "2024-01-01", "first booking date (YYYY-MM-DD)")
	rootCmd.Flags().StringVar(&endDate, "end-date", "2024-12-31", "last booking date (YYYY-MM-DD)")
	rootCmd.Flags().Float64Var(&minAmount, "min-amount", 1.00, "minimum absolute amount")
	rootCmd.Flags().Float64Var(&maxAmount, "max-amount", 5000.00, "maximum absolute amount")
	rootCmd.Flags().Float64Var(&duplicateRatio, "duplicate-ratio", 0.1, "share of lines that get a duplicate (0.0-1.0)")
	rootCmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed for reproducible output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return fmt.Errorf("invalid start date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return fmt.Errorf("invalid end date: %w", err)
	}

	generator := &StatementGenerator{
		Count:          count,
		StartDate:      start,
		EndDate:        end,
		MinAmount:      decimal.NewFromFloat(minAmount),
		MaxAmount:      decimal.NewFromFloat(maxAmount),
		DuplicateRatio: duplicateRatio,
		Seed:           seed,
	}
	if err := generator.Validate(); err != nil {
		return err
	}

	write := WriteCSV
	switch ext := strings.ToLower(filepath.Ext(output)); ext {
	case ".csv":
	case ".xlsx":
		write = WriteXLSX
	default:
		return fmt.Errorf("unsupported output extension %q, use .csv or .xlsx", ext)
	}

	rows, injected := generator.Generate()

	file, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := write(file, rows); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generated %d lines in %s\n", len(rows), output)
	fmt.Fprintf(out, "Injected duplicates: %d\n", len(injected))
	fmt.Fprintf(out, "Date range: %s to %s\n", startDate, endDate)
	fmt.Fprintf(out, "Seed used: %d\n", seed)
	return nil
}
