package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"statement-ingest-service/cmd/statements/config"
	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/reporter"
	"statement-ingest-service/internal/service"
	"statement-ingest-service/internal/store/sqlstore"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// app holds the components one command invocation works with
type app struct {
	config  *config.Config
	log     logger.Logger
	store   *sqlstore.Store
	files   filestore.FileStore
	audit   *audit.BestEffort
	svc     *service.Service
	reports *reporter.SafeReportGenerator
}

// loadConfig applies command-line overrides on top of the loaded configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = logger.DebugLevel
	}
	if logLevel != "" {
		cfg.Logging.Level = logger.Level(strings.ToLower(logLevel))
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log-level", logLevel, err)
	}
	return cfg, nil
}

// newApp opens the database, file store and audit sink and builds the service
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "logging", cfg.Logging, err)
	}
	logger.SetGlobalLogger(log)

	reportConfig, err := config.CreateReportConfig(outputFormat, cfg.Normalizer.MinorUnitExponent)
	if err != nil {
		return nil, err
	}
	reports, err := reporter.NewSafeReportGenerator(reportConfig, log)
	if err != nil {
		return nil, err
	}

	a := &app{config: cfg, log: log.WithComponent("cli"), reports: reports}

	a.store, err = sqlstore.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	a.files, err = filestore.New(ctx, cfg.Storage, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.audit, err = audit.New(ctx, cfg.Audit, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.svc, err = service.New(a.store, a.files, a.audit, cfg.ServiceConfig(), log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.log.WithFields(logger.Fields{
		"database": cfg.Database.Driver,
		"storage":  cfg.Storage.Backend,
		"audit":    cfg.Audit.Sink,
	}).Debug("Components initialized")
	return a, nil
}

// Close waits for background runs and releases every component
func (a *app) Close() {
	if a.svc != nil {
		a.svc.Wait()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close audit sink")
		}
	}
	if a.files != nil {
		if err := a.files.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close file store")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close database")
		}
	}
}

// scopeFromFlags returns the scope selected by --workspace or --owner
func scopeFromFlags() (models.Scope, error) {
	scope := models.Scope{
		WorkspaceID: viper.GetString("workspace"),
		OwnerID:     viper.GetString("owner"),
	}
	if err := scope.Validate(); err != nil {
		return scope, errors.ValidationError(errors.CodeMissingField, "scope", nil, err).
			WithSuggestion("Pass --workspace or --owner")
	}
	return scope, nil
}

// render writes report to --output-file or stdout
func (a *app) render(report interface{}) error {
	if outputFile == "" {
		return a.reports.GenerateReportSafely(report, os.Stdout)
	}

	written, err := a.reports.WriteReportFile(outputFile, report)
	if err != nil {
		return err
	}
	verbosef("Report written to %s\n", written)
	return nil
}

// withApp builds the app, runs fn and releases the app afterwards
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

func requireArg(args []string, name string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", errors.ValidationError(errors.CodeMissingField, name, nil, fmt.Errorf("expected exactly one %s argument", name))
	}
	return strings.TrimSpace(args[0]), nil
}
