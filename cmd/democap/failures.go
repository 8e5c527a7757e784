package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/democap/capture"
)

func newFailuresCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Print the failure log of the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.OutputDir, capture.FailureLogName)
			recs, err := capture.ReadFailures(path)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no failure log at %s", path)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, color.GreenString("no failures"))
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			for _, r := range recs {
				fmt.Fprintf(w, "%s  %s  %s\n", r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), red(r.Filename), r.Error)
			}
			fmt.Fprintf(w, "%d failures\n", len(recs))
			return nil
		},
	}
	cmd.Flags().StringVar(&o.configPath, "config", getEnvString("DEMOCAP_CONFIG", ""), "Path to YAML config file (env: DEMOCAP_CONFIG)")
	cmd.Flags().StringVar(&o.outputDir, "output-dir", getEnvString("DEMOCAP_OUTPUT_DIR", ""), "Screenshot directory holding error.jsonl; overrides the config (env: DEMOCAP_OUTPUT_DIR)")
	return cmd
}
