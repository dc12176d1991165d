package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	verbose      bool
	workspaceID  string
	ownerID      string
	outputFormat string
	outputFile   string
	logLevel     string
	version      = "dev"
	commit       = "unknown"
	date         = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "statements",
	Short: "Bank statement ingestion and duplicate management",
	Long: `Statements ingests bank statement files (CSV or XLSX), extracts their
transactions and finds likely duplicate transactions across statements.

Every command works inside a scope: a workspace (--workspace) or, when no
workspace is given, an owner (--owner).

Examples:
  statements submit january.csv --workspace acme
  statements list --workspace acme
  statements detect --workspace acme --threshold 0.9 --output-format json
  statements mark --workspace acme --master <id> --duplicates <id>,<id>
  statements sweep --loop`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and returns the
// process exit code. SIGINT and SIGTERM cancel the command's context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return NewCLIErrorHandler().HandleError(err)
	}
	return 0
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.StringVarP(&workspaceID, "workspace", "w", "", "workspace scope")
	flags.StringVar(&ownerID, "owner", "", "owner scope, used when no workspace is given")
	flags.StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	flags.StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	flags.StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")

	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("workspace", flags.Lookup("workspace"))
	viper.BindPFlag("owner", flags.Lookup("owner"))
	viper.BindEnv("workspace", "STATEMENTS_WORKSPACE")
	viper.BindEnv("owner", "STATEMENTS_OWNER")
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

func verbosef(format string, args ...interface{}) {
	if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
