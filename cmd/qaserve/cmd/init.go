package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/qaserve/configs"
	"github.com/Aman-CERP/qaserve/internal/output"
)

func newInitCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write starter qaserve.yaml and pipelines.yaml",
		Long: `Write a starter configuration and a declarative pipeline description.

The generated pipelines share one SQLite store, so both querying and
indexing are available out of the box. Existing files are kept unless
--force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			files := []struct {
				name, body string
			}{
				{"qaserve.yaml", configs.ConfigTemplate},
				{"pipelines.yaml", configs.PipelinesTemplate},
			}
			for _, f := range files {
				path := filepath.Join(dir, f.name)
				if !force {
					if _, err := os.Stat(path); err == nil {
						out.Warningf("%s exists, skipping (use --force to overwrite)", path)
						continue
					}
				}
				if err := os.WriteFile(path, []byte(f.body), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				out.Successf("Wrote %s", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write the files into")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")

	return cmd
}
