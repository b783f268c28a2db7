package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/RNA4219/Conimgponic-sub000/internal/config"
	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the snapshot ledger",
		Long: `List every retained snapshot, oldest first. With --prune, snapshot files
that the ledger does not reference are deleted first.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return runHistory(cmd.Context(), cfg, rootOpts.Format, prune, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete unreferenced snapshot files")

	return cmd
}

// openLedger opens the configured storage and a history manager over it.
func openLedger(ctx context.Context, cfg config.Config) (storage.Adapter, *history.Manager, func() error, error) {
	store, closeStore, err := cfg.OpenStorage(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	codec, err := history.CodecByName(cfg.History.Codec)
	if err != nil {
		_ = closeStore()
		return nil, nil, nil, err
	}
	w := writer.New(store, cfg.Layout(), nil)
	h := history.NewManager(store, w, history.Options{
		Layout: cfg.Layout(),
		Limits: cfg.Limits(),
		Codec:  codec,
	})
	return store, h, closeStore, nil
}

type historyOutput struct {
	Entries      []history.Entry `json:"entries"`
	Pruned       []string        `json:"pruned,omitempty"`
	PruneSkipped string          `json:"pruneSkipped,omitempty"`
}

func runHistory(ctx context.Context, cfg config.Config, format string, prune bool, out io.Writer) error {
	store, h, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var res historyOutput
	if prune {
		if res.Pruned, res.PruneSkipped, err = pruneUnderLease(ctx, cfg, store, h); err != nil {
			return err
		}
	}
	if res.Entries, err = h.List(ctx); err != nil {
		return err
	}
	if res.Entries == nil {
		res.Entries = []history.Entry{}
	}

	if format == "json" {
		return printJSON(out, res)
	}
	if res.PruneSkipped != "" {
		fmt.Fprintf(out, "prune skipped: %s\n", res.PruneSkipped)
	}
	for _, name := range res.Pruned {
		fmt.Fprintf(out, "pruned %s\n", name)
	}
	if len(res.Entries) == 0 {
		fmt.Fprintln(out, "no snapshots")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GEN\tTIMESTAMP\tBYTES\tCODEC\tFILE")
	for _, e := range res.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.Generation, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Bytes, e.Codec, e.File)
	}
	return tw.Flush()
}

// pruneUnderLease deletes orphaned snapshots while holding the flush lease,
// so a running engine's not yet indexed snapshot is never taken for an
// orphan. If the lease stays held past the lock retry policy, pruning is
// skipped and the reason returned.
func pruneUnderLease(ctx context.Context, cfg config.Config, store storage.Adapter, h *history.Manager) (pruned []string, skipped string, err error) {
	native, _, closeNative, err := cfg.OpenNativeLock(ctx, config.Deps{})
	if err != nil {
		return nil, "", err
	}
	defer func() { err = multierr.Append(err, closeNative()) }()

	m := cfg.LockManager(store, native, config.Deps{})
	lease, err := m.Acquire(ctx)
	if err != nil {
		if failure.IsRetryable(err) {
			return nil, err.Error(), nil
		}
		return nil, "", err
	}
	pruned, err = h.Prune(ctx)
	return pruned, "", multierr.Append(err, m.Release(ctx, lease))
}
