package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/resultstore"
)

var (
	rankFormat string
	rankLatest bool
	rankJobID  string
)

var rankCmd = &cobra.Command{
	Use:   "rank [sensitivities.json]",
	Short: "Render a sensitivity ranking",
	Long: `Render a GSA ranking table.

With a file argument, the file holds a JSON array of input sensitivities
(input_id, name, output_name, exchange_type, exchange_amount, gsa_index, ...)
and is ranked by GSA index. Use "-" to read from stdin.

With --latest or --job, the ranking is read from the results database
(results.path in config).

Examples:
  gsadash rank sensitivities.json
  gsadash rank --latest --format csv`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRank,
}

func init() {
	rootCmd.AddCommand(rankCmd)

	rankCmd.Flags().StringVar(&rankFormat, "format", "table", "Output: table, csv or json")
	rankCmd.Flags().BoolVar(&rankLatest, "latest", false, "Use the latest stored ranking")
	rankCmd.Flags().StringVar(&rankJobID, "job", "", "Use the stored ranking of a Monte Carlo job")
}

func runRank(cmd *cobra.Command, args []string) error {
	switch rankFormat {
	case "table", "csv", "json":
	default:
		return exitError(exitInvalidArgument, "Invalid format", fmt.Errorf("unknown format %q", rankFormat))
	}

	stored := rankLatest || rankJobID != ""
	if stored == (len(args) == 1) {
		return exitError(exitInvalidArgument, "Specify either a sensitivities file or --latest/--job", nil)
	}

	var (
		rows []ranking.Row
		err  error
	)
	if stored {
		rows, err = storedRanking(cmd)
	} else {
		rows, err = rankFile(cmd.InOrStdin(), args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rankFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ranking.JSONRows(rows))
	}
	return renderRanking(out, rankFormat, rows)
}

func rankFile(stdin io.Reader, path string) ([]ranking.Row, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "Sensitivities file not found", err)
			}
			return nil, exitError(exitInvalidArgument, "Failed to open sensitivities file", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var inputs []lca.InputSensitivity
	if err := json.NewDecoder(r).Decode(&inputs); err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid sensitivities file", err)
	}
	return ranking.Rank(inputs), nil
}

func storedRanking(cmd *cobra.Command) ([]ranking.Row, error) {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	if cfg.Results.Path == "" {
		return nil, exitError(exitInvalidArgument, "No results database configured", errors.New("set results.path or GSADASH_RESULTS_PATH"))
	}
	rs, err := resultstore.Open(ctx, resultstore.Config{Path: cfg.Results.Path})
	if err != nil {
		return nil, exitError(exitServiceUnavailable, "Failed to open results database", err)
	}
	defer func() { _ = rs.Close() }()

	var rows []ranking.Row
	if rankJobID != "" {
		rows, err = rs.LoadRanking(ctx, rankJobID)
	} else {
		_, rows, err = rs.LatestRanking(ctx)
	}
	if errors.Is(err, resultstore.ErrNotFound) {
		return nil, exitError(exitFileNotFound, "No stored ranking", err)
	}
	if err != nil {
		return nil, exitError(exitFailure, "Failed to read stored ranking", err)
	}
	return rows, nil
}
