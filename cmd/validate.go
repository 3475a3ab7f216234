package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/sheet"
	"github.com/medprep/qbank-admin/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workbook.xlsx>",
	Short: "Validate a question workbook and optionally export good and bad rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		wb, err := sheet.ReadWorkbookFile(path)
		if err != nil {
			return err
		}

		res, err := validate.Validate(wb)
		if err != nil {
			return eris.Wrap(err, "validate")
		}
		zap.L().Info("workbook validated",
			zap.String("file", path),
			zap.Int("good", res.GoodCount),
			zap.Int("bad", res.BadCount),
		)

		showBad, _ := cmd.Flags().GetInt("show-bad")
		formatValidationSummary(os.Stdout, res, showBad)

		outDir, _ := cmd.Flags().GetString("out-dir")
		if outDir == "" {
			return nil
		}
		modes, _ := cmd.Flags().GetStringSlice("export")
		for _, m := range modes {
			mode := model.ExportMode(m)
			if !mode.Valid() {
				return eris.Errorf("validate: unknown export mode %q (want good or bad)", m)
			}
			exp, err := sheet.ExportValidation(res, mode, filepath.Base(path))
			if err != nil {
				return err
			}
			dest := filepath.Join(outDir, exp.FileName)
			if err := os.WriteFile(dest, exp.Data, 0o644); err != nil {
				return eris.Wrapf(err, "validate: write %s", dest)
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", dest)
		}
		return nil
	},
}

// formatValidationSummary writes per-sheet counts followed by up to limit
// bad-row reasons.
func formatValidationSummary(out io.Writer, res *model.ValidationResult, limit int) {
	good := map[model.SheetKind]int{}
	bad := map[model.SheetKind]int{}
	for _, g := range res.Good {
		good[g.Row.Kind]++
	}
	for _, b := range res.Bad {
		bad[b.Row.Kind]++
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SHEET\tGOOD\tBAD")
	_, _ = fmt.Fprintln(w, "-----\t----\t---")
	for _, k := range model.SheetKinds {
		if good[k] == 0 && bad[k] == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", k, good[k], bad[k])
	}
	_, _ = fmt.Fprintf(w, "total\t%d\t%d\n", res.GoodCount, res.BadCount)
	_ = w.Flush()

	if limit <= 0 || len(res.Bad) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SHEET\tROW\tREASON")
	for i, b := range res.Bad {
		if i == limit {
			_, _ = fmt.Fprintf(w, "...\t\t%d more\n", len(res.Bad)-limit)
			break
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", b.Row.Kind, b.Row.Index, b.Reason)
	}
	_ = w.Flush()
}

func init() {
	validateCmd.Flags().String("out-dir", "", "directory to write exported workbooks to (no export when empty)")
	validateCmd.Flags().StringSlice("export", []string{"good", "bad"}, "which sides to export (good, bad)")
	validateCmd.Flags().Int("show-bad", 20, "max number of bad rows to list")
	rootCmd.AddCommand(validateCmd)
}
