package cmd

import (
	"errors"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/qaserve/internal/output"
	"github.com/Aman-CERP/qaserve/internal/provision"
	"github.com/Aman-CERP/qaserve/internal/topology"
)

// errUnhealthy is returned by check when no query pipeline could be served.
var errUnhealthy = errors.New("no query pipeline available")

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var metrics bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Provision the configured pipelines and report their status",
		Long: `Provision the pipelines named by the configuration and print what was built.

Exits non-zero when no query pipeline is available. A discarded indexing
pipeline is reported but does not fail the check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, bundle, err := opts.provision(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = bundle.Close() }()

			out := output.New(cmd.OutOrStdout())
			printBundle(out, bundle)
			if metrics {
				out.Newline()
				if err := writeMetrics(cmd.OutOrStdout(), prometheus.DefaultGatherer); err != nil {
					return err
				}
			}
			if !bundle.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&metrics, "metrics", false, "Print the process metrics in Prometheus text format")

	return cmd
}

// printBundle renders the provisioned state, one diagnostic per line.
func printBundle(out *output.Writer, b *provision.Bundle) {
	out.Header("Pipelines")
	out.KeyValue("Selector", string(b.Selector))
	if b.Healthy() {
		out.KeyValue("Query", strings.Join(b.QueryPipeline.StageTypes(), " -> "))
	} else {
		out.KeyValue("Query", "unavailable")
	}
	if b.IndexingAvailable() {
		out.KeyValue("Indexing", strings.Join(b.IndexingPipeline.StageTypes(), " -> "))
	} else {
		out.KeyValue("Indexing", "unavailable")
	}
	if b.DocumentStore != nil {
		out.KeyValue("Document store", string(b.DocumentStore.Kind()))
	}
	out.KeyValue("Concurrency limit", strconv.Itoa(b.Gate.Limit()))
	out.KeyValue("Upload dir", b.UploadDir)
	out.Newline()

	for _, d := range b.Diagnostics {
		out.Warning(d)
	}
	if b.Healthy() {
		out.Success("Ready to serve queries")
		return
	}
	out.Error("No query pipeline available")
	if !b.Selector.Known() {
		out.KeyValue("Known selectors", joinSelectors(topology.Selectors()))
	}
}

func joinSelectors(sels []topology.Selector) string {
	names := make([]string, len(sels))
	for i, s := range sels {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
