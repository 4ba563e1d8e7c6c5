package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/qaserve/internal/output"
	"github.com/Aman-CERP/qaserve/internal/upload"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		existing bool
		meta     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Index files as they are staged into the upload directory",
		Long: `Watch the upload directory and run the indexing pipeline over files
as they arrive. Bursts of changes are batched by server.watch_debounce.

Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, bundle, err := opts.provision(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = bundle.Close() }()

			if !bundle.IndexingAvailable() {
				return fmt.Errorf("indexing unavailable for selector %s", bundle.Selector)
			}

			debounce, err := time.ParseDuration(cfg.Server.WatchDebounce)
			if err != nil {
				return fmt.Errorf("invalid server.watch_debounce %q: %w", cfg.Server.WatchDebounce, err)
			}

			out := output.New(cmd.OutOrStdout())
			w, err := upload.NewWatcher(bundle.UploadDir, bundle, upload.Options{
				Debounce:      debounce,
				IndexExisting: existing,
				Meta:          meta,
				OnBatch: func(paths []string, documents int, err error) {
					if err != nil {
						out.Errorf("Indexing %d files failed: %v", len(paths), err)
						return
					}
					out.Successf("Indexed %d documents from %d files", documents, len(paths))
				},
			})
			if err != nil {
				return err
			}

			out.Statusf("👀", "Watching %s", bundle.UploadDir)
			return w.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&existing, "existing", false, "Index files already in the upload directory on start")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value attached to every document (repeatable)")

	return cmd
}
