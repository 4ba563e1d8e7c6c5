package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/qaserve/internal/output"
	"github.com/Aman-CERP/qaserve/internal/stages"
	"github.com/Aman-CERP/qaserve/internal/topology"
)

func newBuildIndexCmd(opts *rootOptions) *cobra.Command {
	var (
		build       topology.HNSWIndexBuild
		splitBy     string
		splitLength int
		overlap     int
	)

	cmd := &cobra.Command{
		Use:   "build-index <files...>",
		Short: "Build the vector index served by the hnsw_dense_faq selector",
		Long: `Convert, split and encode files with the dense passage encoder and save
them as an HNSW index.

The hnsw_dense_faq selector serves this index read-only: its store lives in
process memory, so the server never indexes into it. Rebuild the index and
restart workers to change what they serve.`,
		Example: `  qaserve build-index --out data/faq.hnsw faq/*.txt
  qaserve build-index --split-by passage --split-length 1 faq.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			build.Files = args
			if splitBy != "" {
				build.Split = stages.DefaultPreProcessorConfig()
				build.Split.SplitBy = splitBy
				build.Split.SplitLength = splitLength
				build.Split.SplitOverlap = overlap
			}
			n, err := topology.BuildHNSWIndex(cmd.Context(), cfg, build)
			if err != nil {
				return err
			}

			out := build.Out
			if out == "" {
				out = cfg.DocumentStore.HNSWPath
			}
			output.New(cmd.OutOrStdout()).Successf("Indexed %d passages from %d files into %s", n, len(args), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&build.Out, "out", "o", "", "Index path (default: document_store.hnsw_path)")
	cmd.Flags().StringToStringVar(&build.Meta, "meta", nil, "Metadata key=value attached to every document (repeatable)")
	cmd.Flags().StringVar(&splitBy, "split-by", "", "Split unit: word, sentence or passage (default: 200 words)")
	cmd.Flags().IntVar(&splitLength, "split-length", 200, "Units per passage")
	cmd.Flags().IntVar(&overlap, "split-overlap", 0, "Units shared by consecutive passages")

	return cmd
}
