package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/reporter"
	"statement-ingest-service/internal/reprocess"
	"statement-ingest-service/pkg/errors"
)

// Flags for the submit command
var (
	submitType string
	submitName string
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Upload a statement file and parse it",
	Long: `Submit stores a statement file in the caller's scope and, unless
processing.auto_process is disabled, parses it right away.

Uploading content that is already stored in the scope fails with a conflict
naming the existing statement, whatever the file name.

Examples:
  statements submit january.csv --workspace acme
  statements submit export.bin --type xlsx --name march.xlsx --owner alice`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateSubmitFlags,
	RunE:    runSubmit,
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a statement and its transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the statements of a scope",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess ID",
	Short: "Parse a statement again",
	Long: `Reprocess parses a stored statement again and replaces its transactions.
A statement that is already being processed is reported as skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a statement, its transactions and its file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(submitCmd, getCmd, listCmd, reprocessCmd, deleteCmd)

	submitCmd.Flags().StringVarP(&submitType, "type", "t", "", "file type: csv or xlsx (default: from the file extension)")
	submitCmd.Flags().StringVarP(&submitName, "name", "n", "", "file name to record (default: base name of FILE)")
}

func validateSubmitFlags(cmd *cobra.Command, args []string) error {
	if err := validateFileExists(args[0], "statement file"); err != nil {
		return err
	}
	if submitType != "" {
		if _, err := models.ParseFileType(submitType); err != nil {
			return errors.ValidationError(errors.CodeUnsupportedType, "type", submitType, err)
		}
	}
	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return errors.ValidationError(errors.CodeMissingField, description, nil,
			fmt.Errorf("%s path cannot be empty", description))
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return errors.ValidationError(errors.CodeInvalidInput, description, filePath,
			fmt.Errorf("%s is a directory, expected a file", description))
	}
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	name := submitName
	if name == "" {
		name = filepath.Base(args[0])
	}

	return withApp(ctx, func(a *app) error {
		verbosef("Submitting %s (%d bytes) to %s\n", name, len(content), scope)

		stmt, err := a.svc.SubmitStatement(ctx, scope, content, models.StatementMeta{
			FileName: name,
			FileType: submitType,
		})
		if err != nil {
			return err
		}
		a.svc.Wait()

		full, err := a.svc.GetStatement(ctx, stmt.ID, scope)
		if err != nil {
			return err
		}
		return a.render(reporter.StatementReport{Statement: full})
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	id, err := requireArg(args, "statement id")
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		full, err := a.svc.GetStatement(ctx, id, scope)
		if err != nil {
			return err
		}
		return a.render(reporter.StatementReport{Statement: full})
	})
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		stmts, err := a.svc.ListStatements(ctx, scope)
		if err != nil {
			return err
		}
		return a.render(reporter.StatementListReport{Scope: scope.Key(), Statements: stmts})
	})
}

func runReprocess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	id, err := requireArg(args, "statement id")
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		result, err := a.svc.ReprocessStatement(ctx, id, scope)
		if err != nil {
			return err
		}
		a.svc.Wait()

		full, err := a.svc.GetStatement(ctx, id, scope)
		if err != nil {
			return err
		}
		verbosef("Statement %s now has %d transactions\n", id, len(full.Transactions))
		return a.render(reporter.ReprocessReport{Result: &reprocess.Result{
			Statement: full.Statement,
			Outcome:   result.Outcome,
		}})
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	id, err := requireArg(args, "statement id")
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		if err := a.svc.DeleteStatement(ctx, id, scope); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted statement %s\n", id)
		return nil
	})
}
