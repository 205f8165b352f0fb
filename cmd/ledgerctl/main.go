// ledgerctl inspects a SQLite-backed ledger file: streams, raw events,
// latest sequences and materialized snapshots.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codewandler/ledger-go/adapters/sqlite"
	"github.com/codewandler/ledger-go/core/ledger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect a SQLite ledger file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "ledger.db", "path to the ledger database file")

	cmd.AddCommand(
		newStreamsCommand(&dbPath),
		newEventsCommand(&dbPath),
		newLatestCommand(&dbPath),
		newSnapshotsCommand(&dbPath),
	)
	return cmd
}

func openBackend(path string) (*sqlite.Backend, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ledger file %s: %w", path, err)
	}
	return sqlite.Open(sqlite.Config{Path: path})
}

func newStreamsCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List streams with their event counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(*dbPath)
			if err != nil {
				return err
			}
			defer b.Close()

			streams, err := b.ListStreams(cmd.Context())
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(streams))
			for id := range streams {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tEVENTS")
			for _, id := range ids {
				fmt.Fprintf(w, "%s\t%d\n", id, streams[id])
			}
			return w.Flush()
		},
	}
}

func newEventsCommand(dbPath *string) *cobra.Command {
	var (
		typeKeys []string
		fromSeq  uint64
		toSeq    uint64
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "events <stream>",
		Short: "Print a stream's events in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(*dbPath)
			if err != nil {
				return err
			}
			defer b.Close()

			var filter ledger.TypeFilter
			for _, s := range typeKeys {
				k, err := ledger.ParseTypeKey(s)
				if err != nil {
					return err
				}
				filter = append(filter, k)
			}

			events, err := b.ReadEvents(cmd.Context(), args[0], ledger.ReadQuery{
				Filter:  filter,
				FromSeq: fromSeq,
				ToSeq:   toSeq,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTYPE\tCREATED\tBY\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Type, e.CreatedAt.Format("2006-01-02T15:04:05"), e.CreatedBy, string(e.Payload))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&typeKeys, "type", nil, "filter by type key (name@vN), repeatable")
	cmd.Flags().Uint64Var(&fromSeq, "from", 0, "lowest sequence to include")
	cmd.Flags().Uint64Var(&toSeq, "to", 0, "highest sequence to include")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON records")
	return cmd
}

func newLatestCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <stream>",
		Short: "Print a stream's latest sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(*dbPath)
			if err != nil {
				return err
			}
			defer b.Close()

			latest, err := b.ReadLatestSequence(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), latest)
			return nil
		},
	}
}

func newSnapshotsCommand(dbPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List materialized aggregate snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(*dbPath)
			if err != nil {
				return err
			}
			defer b.Close()

			snaps, err := b.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGGREGATE\tSTREAM\tVERSION\tLAST_APPLIED\tUPDATED")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					s.Key, s.StreamID, s.Version, s.LastApplied, s.UpdatedAt.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON records")
	return cmd
}
