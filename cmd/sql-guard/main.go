package main

import (
	"fmt"
	"io"
	"os"

	"sql-guard/internal/config"
	"sql-guard/internal/guard"
	"sql-guard/internal/model"
	"sql-guard/internal/parser"
	"sql-guard/internal/reporter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile    string
	verbose    bool
	schemaPath string
	reportFmt  string
	failOn     string
)

// errFailed signals findings at or above --fail-on; the report is already printed.
var errFailed = errors.New("findings at or above the failure threshold")

var rootCmd = &cobra.Command{
	Use:   "sql-guard",
	Short: "Validate SQL statements against safety and performance rules",
	Long: `sql-guard checks SQL statements for dangerous patterns such as
unfiltered UPDATE/DELETE, tautological conditions, unbounded or deep
pagination, injection attempts and denied tables. It validates single
statements or scans source trees and mapper XML files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Path to a YAML configuration file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable development logging")
	pf.StringVarP(&schemaPath, "schema", "S", "", "Path to a DDL file enabling schema-aware rules")
	pf.StringVarP(&reportFmt, "report", "r", "console", "Report format (console, yaml)")
	pf.StringVar(&failOn, "fail-on", "high", "Exit non-zero when a verdict reaches this severity")
	pf.String("strategy", "", "Override active-strategy (observe, warn, block)")
	pf.Bool("lenient", false, "Parse leniently: unparsable SQL only runs raw rules")

	rootCmd.AddCommand(checkCmd, scanCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if f := cmd.Flags().Lookup("strategy"); f != nil && f.Changed {
		if err := v.BindPFlag("active-strategy", f); err != nil {
			return nil, err
		}
	}
	if f := cmd.Flags().Lookup("lenient"); f != nil && f.Changed {
		if err := v.BindPFlag("parser.lenient", f); err != nil {
			return nil, err
		}
	}
	return config.LoadWith(v, cfgFile)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.Encoding = "console"
	return cfg.Build()
}

// newGuard builds the guard the commands validate with. Audit records are
// only written by the interception layers, never by the CLI.
func newGuard(cmd *cobra.Command) (*guard.Guard, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg.Audit.Enabled = false

	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	opts := []guard.Option{guard.WithLogger(logger)}
	if schemaPath != "" {
		schema, err := parser.NewFacade(parser.WithLogger(logger)).LoadSchema(schemaPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load schema")
		}
		logger.Info("schema loaded", zap.Int("tables", len(schema.Tables)))
		opts = append(opts, guard.WithSchema(schema))
	}
	g, err := guard.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return g, logger, nil
}

func report(out io.Writer, results []model.CheckResult) error {
	var rpt model.Reporter
	switch reportFmt {
	case "yaml":
		rpt = reporter.NewYAMLReporter(out)
	case "console":
		rpt = reporter.NewConsoleReporterTo(out)
	default:
		return errors.Errorf("unknown report format %q", reportFmt)
	}
	if err := rpt.Report(results); err != nil {
		return errors.Wrap(err, "report")
	}

	threshold, err := model.ParseSeverity(failOn)
	if err != nil {
		return errors.Wrap(err, "--fail-on")
	}
	for _, res := range results {
		if res.Verdict != nil && !res.Verdict.Passed && res.Verdict.Severity >= threshold {
			return errFailed
		}
	}
	return nil
}
