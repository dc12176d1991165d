package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if serviceErr, ok := errors.AsServiceError(err); ok {
		return h.handleServiceError(serviceErr)
	}

	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleServiceError(err *errors.ServiceError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	if help := h.getCategoryHelp(err.Category); help != "" {
		fmt.Fprintf(h.out, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case stderrors.Is(err, context.Canceled):
		fmt.Fprintf(h.out, "Interrupted\n")
		return 130
	case h.isFileNotFoundError(err):
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	case h.isPermissionError(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	case h.isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(h.out, "\nRun with --verbose for more details\n")
	}
	return 1
}

// getCategoryHelp returns category-specific help text
func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryParse:
		return `Parse error help:
• Statement files need a header row naming the date, amount (or debit and credit) and counterparty columns
• CSV files must be UTF-8; the delimiter is detected from the header unless parsers.delimiter is set
• Fix the file and run 'statements reprocess <id>'`

	case errors.CategoryValidation:
		return `Validation error help:
• Pass the scope with --workspace or --owner
• Thresholds must be greater than 0 and at most 1
• Rows need a parsable date and exactly one non-zero debit or credit`

	case errors.CategoryConflict:
		return `Conflict help:
• The same file content can be stored only once per scope; use the existing statement
• A transaction can belong to one duplicate group only, and a master cannot itself be a duplicate`

	case errors.CategoryNotFound:
		return `Not found help:
• Check the id and that --workspace or --owner selects the scope it belongs to`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and the --config file syntax
• Environment variables use the STATEMENTS_ prefix, e.g. STATEMENTS_DATABASE_DSN
• Try running with default settings first`

	case errors.CategoryStorage, errors.CategoryTimeout:
		return `Storage help:
• Check that the database and file storage are reachable and writable
• Statements stuck in processing can be failed with 'statements sweep'`

	default:
		return ""
	}
}

// Error detection helpers

func (h *CLIErrorHandler) isFileNotFoundError(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file or directory")
}

func (h *CLIErrorHandler) isPermissionError(err error) bool {
	return os.IsPermission(err) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func (h *CLIErrorHandler) isDiskFullError(err error) bool {
	if stderrors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "device full")
}
