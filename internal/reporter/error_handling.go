package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with fallbacks for format and output errors
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator with error handling
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(
			errors.CodeInvalidConfig,
			"report_config",
			config,
			err,
		).WithSuggestion("Check the output format and CSV delimiter")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// GenerateReportSafely generates a report, falling back to console output
// when the requested format fails
func (srg *SafeReportGenerator) GenerateReportSafely(report interface{}, writer io.Writer) error {
	srg.logger.WithFields(logger.Fields{
		"format": srg.config.Format,
		"report": fmt.Sprintf("%T", report),
		"output": getWriterDescription(writer),
	}).Debug("Starting report generation")

	if err := srg.validateInputs(report, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if err := srg.generateWithFallback(report, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed")
		return err
	}

	srg.logger.Debug("Report generation completed")
	return nil
}

// WriteReportFile writes the report to path. When path cannot be written the
// report goes to a sibling backup file whose path is returned.
func (srg *SafeReportGenerator) WriteReportFile(path string, report interface{}) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		if !isFileError(err) {
			return "", srg.wrapGenerationError(err)
		}
		return srg.writeBackup(path, report, err)
	}

	genErr := srg.GenerateReportSafely(report, file)
	closeErr := file.Close()
	if genErr != nil {
		return "", genErr
	}
	if closeErr != nil {
		if !isFileError(closeErr) {
			return "", srg.wrapGenerationError(closeErr)
		}
		return srg.writeBackup(path, report, closeErr)
	}
	return path, nil
}

func (srg *SafeReportGenerator) validateInputs(report interface{}, writer io.Writer) error {
	if report == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"report",
			nil,
			nil,
		).WithSuggestion("Provide a report to render")
	}

	if writer == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"writer",
			nil,
			nil,
		).WithSuggestion("Provide a valid output writer")
	}

	return nil
}

func (srg *SafeReportGenerator) generateWithFallback(report interface{}, writer io.Writer) error {
	err := srg.GenerateReport(report, writer)
	if err == nil {
		return nil
	}

	srg.logger.WithError(err).Warn("Primary report generation failed, attempting fallback")

	if srg.config.Format != FormatConsole {
		return srg.generateWithFormatFallback(report, writer, err)
	}

	return srg.wrapGenerationError(err)
}

// generateWithFormatFallback renders the report to the console format
func (srg *SafeReportGenerator) generateWithFormatFallback(report interface{}, writer io.Writer, originalErr error) error {
	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole

	srg.logger.WithField("fallback_format", FormatConsole).Info("Attempting format fallback")

	fallbackGenerator, err := NewReportGenerator(&fallbackConfig)
	if err != nil {
		return srg.wrapGenerationError(originalErr)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", originalErr)

	if err := fallbackGenerator.GenerateReport(report, writer); err != nil {
		return errors.InternalError(
			errors.CodeUnexpectedError,
			"report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%v", originalErr, err),
		)
	}

	srg.logger.Info("Report generated using format fallback")
	return nil
}

func (srg *SafeReportGenerator) writeBackup(originalPath string, report interface{}, originalErr error) (string, error) {
	backupPath := generateBackupPath(originalPath)

	srg.logger.WithFields(logger.Fields{
		"original_file": originalPath,
		"backup_file":   backupPath,
	}).Warn("Attempting output fallback")

	backupFile, err := os.Create(backupPath)
	if err != nil {
		return "", srg.wrapGenerationError(originalErr)
	}
	defer backupFile.Close()

	if err := srg.generateWithFallback(report, backupFile); err != nil {
		return "", errors.InternalError(
			errors.CodeUnexpectedError,
			"report_output_fallback",
			fmt.Errorf("both primary and backup output failed: primary=%v, backup=%v", originalErr, err),
		)
	}

	fmt.Fprintf(os.Stderr, "Warning: Could not write to %s, report saved to %s\n", originalPath, backupPath)
	return backupPath, nil
}

func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if serviceErr, ok := errors.AsServiceError(err); ok {
		return serviceErr
	}

	return errors.InternalError(
		errors.CodeUnexpectedError,
		"report_generation",
		err,
	).WithSuggestion("Check the output destination and report format settings")
}

// Utility functions

func isFileError(err error) bool {
	return os.IsPermission(err) ||
		os.IsNotExist(err) ||
		os.IsExist(err) ||
		isSpaceError(err)
}

func generateBackupPath(originalPath string) string {
	dir := filepath.Dir(originalPath)
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	if isReadOnlyDir(dir) {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("%s_backup%s", name, ext))
}

func isReadOnlyDir(dir string) bool {
	info, err := os.Stat(dir)
	return err != nil || !info.IsDir() || info.Mode().Perm()&0o200 == 0
}

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}

func isSpaceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "device full")
}
