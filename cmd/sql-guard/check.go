package main

import (
	"bufio"
	"strings"

	"sql-guard/internal/model"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var callSite string

var checkCmd = &cobra.Command{
	Use:   "check [SQL...]",
	Short: "Validate SQL statements given as arguments or on stdin",
	Long: `check validates each argument as one statement. Without arguments it
reads stdin, one statement per line; blank lines and lines starting with
"--" are skipped.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&callSite, "call-site", "", "Call site the statements are attributed to")
}

func runCheck(cmd *cobra.Command, args []string) error {
	statements := args
	if len(statements) == 0 {
		sc := bufio.NewScanner(cmd.InOrStdin())
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			statements = append(statements, line)
		}
		if err := sc.Err(); err != nil {
			return errors.Wrap(err, "read stdin")
		}
	}
	if len(statements) == 0 {
		return errors.New("no SQL given")
	}

	g, logger, err := newGuard(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer g.Close()

	results := make([]model.CheckResult, 0, len(statements))
	for i, sql := range statements {
		seg := model.SQLSegment{SQL: sql, CallSite: callSite, Location: model.Location{FilePath: "<input>", Line: i + 1}}
		verdict, err := g.Validate(model.NewExecution(sql, callSite))
		results = append(results, model.CheckResult{Segment: seg, Verdict: verdict, Err: err})
	}
	return report(cmd.OutOrStdout(), results)
}
