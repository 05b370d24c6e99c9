package main

import (
	"os"
	"sort"

	"sql-guard/internal/extractor"
	"sql-guard/internal/model"
	"sql-guard/internal/scanner"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	srcPath     string
	excludes    []string
	concurrency int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Extract SQL from source and mapper XML files and validate it",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&srcPath, "src", "s", ".", "Path to source code to scan")
	scanCmd.Flags().StringSliceVarP(&excludes, "exclude", "e", []string{".git", "vendor", "node_modules", "*_test.go"}, "Glob patterns to exclude from scan")
	scanCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 8, "Files processed in parallel")
}

func runScan(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(srcPath); err != nil {
		return errors.Wrap(err, "source path")
	}

	g, logger, err := newGuard(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer g.Close()

	mgr := extractor.Default()
	walker := scanner.NewFileWalker(mgr.Extensions(), excludes)
	scanned, err := scanner.Scan(cmd.Context(), walker, srcPath, concurrency, mgr.Extract)
	if err != nil {
		return errors.Wrap(err, "scan")
	}

	var results []model.CheckResult
	for _, res := range scanned {
		if res.Error != nil {
			logger.Warn("extraction failed", zap.String("file", res.File), zap.Error(res.Error))
			continue
		}
		for _, seg := range res.Segments {
			verdict, err := g.Validate(model.NewExecution(seg.SQL, seg.Identifier()))
			results = append(results, model.CheckResult{Segment: seg, Verdict: verdict, Err: err})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Segment.Location, results[j].Segment.Location
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		return a.Line < b.Line
	})
	logger.Info("scan complete", zap.Int("files", len(scanned)), zap.Int("statements", len(results)))
	return report(cmd.OutOrStdout(), results)
}
