package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/output"
	"github.com/Aman-CERP/qaserve/internal/upload"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "index <files...>",
		Short: "Stage files into the upload directory and index them",
		Long: `Copy each file into the upload directory under a unique name and run
the indexing pipeline over the staged copies.

Fails when the configuration yields no indexing pipeline, for example when
the query pipeline's document store cannot be shared.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, bundle, err := opts.provision(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = bundle.Close() }()

			out := output.New(cmd.OutOrStdout())
			if !bundle.IndexingAvailable() {
				for _, d := range bundle.Diagnostics {
					out.Warning(d)
				}
				return fmt.Errorf("indexing unavailable for selector %s", bundle.Selector)
			}

			staged := make([]string, 0, len(args))
			for _, path := range args {
				dst, err := stageFile(bundle.UploadDir, path)
				if err != nil {
					return err
				}
				staged = append(staged, dst)
			}

			n, err := bundle.IndexFiles(cmd.Context(), staged, meta)
			if err != nil {
				return err
			}
			out.Successf("Indexed %d documents from %d files", n, len(staged))
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value attached to every document (repeatable)")

	return cmd
}

func stageFile(dir, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", qaerrors.IOError(fmt.Sprintf("failed to open %s", path), err)
	}
	defer func() { _ = f.Close() }()
	return upload.Stage(dir, filepath.Base(path), f)
}
