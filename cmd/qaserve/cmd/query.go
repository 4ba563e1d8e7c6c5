package cmd

import (
	"encoding/json"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/qaserve/internal/output"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/stages"
	"github.com/Aman-CERP/qaserve/internal/upload"
)

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		retrieverTopK int
		rankerTopK    int
		filters       map[string]string
		jsonOutput    bool
		metrics       bool
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Answer a question with the query pipeline",
		Long: `Run a question through the configured query pipeline.

The query is admitted by the same concurrency gate a server worker uses.`,
		Example: `  qaserve query "how do I get a refund?"
  qaserve query --retriever-top-k 20 --filter lang=en "shipping times"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, bundle, err := opts.provision(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = bundle.Close() }()

			params := pipeline.Params{
				RetrieverTopK: retrieverTopK,
				RankerTopK:    rankerTopK,
				Filters:       filters,
			}
			result, err := bundle.Query(cmd.Context(), strings.Join(args, " "), params)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result.Answers); err != nil {
					return err
				}
			} else {
				printResult(output.New(cmd.OutOrStdout()), result)
			}
			if metrics {
				return writeMetrics(cmd.ErrOrStderr(), prometheus.DefaultGatherer)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&retrieverTopK, "retriever-top-k", 0, "Documents to retrieve (0 uses the component default)")
	cmd.Flags().IntVar(&rankerTopK, "ranker-top-k", 0, "Documents to keep after ranking (0 uses the component default)")
	cmd.Flags().StringToStringVar(&filters, "filter", nil, "Metadata filter key=value (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output answers as JSON")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "Print the process metrics to stderr after answering")

	return cmd
}

// printResult prints answers, or documents when the pipeline ends before
// answers are produced.
func printResult(out *output.Writer, p *pipeline.Payload) {
	switch {
	case len(p.Answers) > 0:
		for i, a := range p.Answers {
			out.Ranked(i+1, a.Score, titleOf(a.Meta, a.DocumentID), a.Answer)
		}
	case len(p.Documents) > 0:
		for i, d := range p.Documents {
			out.Ranked(i+1, d.Score, titleOf(d.Meta, d.ID), d.Content)
		}
	default:
		out.Warning("No answers found")
	}
}

// titleOf names a result by its source file, without the staging prefix.
func titleOf(meta map[string]string, id string) string {
	if name := meta[stages.NameMetaKey]; name != "" {
		return upload.OriginalName(name)
	}
	return id
}
