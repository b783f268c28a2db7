package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/RNA4219/Conimgponic-sub000/internal/config"
	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

func NewLeaseCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and maintain flush leases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "status",
		Short:        "Show who holds the flush lease",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return runLeaseStatus(cmd.Context(), cfg, rootOpts.Format, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "sweep",
		Short:        "Clear expired leases from the sqlite lease table",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return runLeaseSweep(cmd.Context(), cfg, rootOpts.Format, cmd.OutOrStdout())
		},
	})

	return cmd
}

type leaseHolder struct {
	Strategy     lock.Strategy `json:"strategy"`
	Held         bool          `json:"held"`
	OwnerID      string        `json:"ownerId,omitempty"`
	LeaseID      string        `json:"leaseId,omitempty"`
	FencingToken int64         `json:"fencingToken,omitempty"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func runLeaseStatus(ctx context.Context, cfg config.Config, format string, out io.Writer) error {
	store, closeStore, err := cfg.OpenStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var holders []leaseHolder
	now := time.Now()

	m := cfg.LockManager(store, nil, config.Deps{})
	owner, expires, err := m.Holder(ctx)
	fb := leaseHolder{Strategy: lock.StrategyFallback}
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		fb.Error = err.Error()
	default:
		fb.Held = expires.After(now)
		fb.OwnerID = owner
		fb.ExpiresAt = &expires
	}
	holders = append(holders, fb)

	if cfg.Lock.Native == config.NativeSQLite {
		svc, closeDB, err := openLeaseService(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeDB()
		snap, err := svc.Get(ctx, cfg.Lock.Resource, now)
		if err != nil {
			return err
		}
		nat := leaseHolder{Strategy: lock.StrategyNative, Held: snap.Held}
		if snap.Held {
			nat.OwnerID = snap.OwnerID
			nat.LeaseID = snap.LeaseID
			nat.FencingToken = snap.FencingToken
			nat.ExpiresAt = &snap.LeaseExpiry
		}
		holders = append(holders, nat)
	}

	if format == "json" {
		return printJSON(out, holders)
	}
	for _, h := range holders {
		switch {
		case h.Error != "":
			fmt.Fprintf(out, "%s: unreadable: %s\n", h.Strategy, h.Error)
		case h.ExpiresAt == nil:
			fmt.Fprintf(out, "%s: free\n", h.Strategy)
		case !h.Held:
			fmt.Fprintf(out, "%s: expired (owner=%s at %s)\n", h.Strategy, h.OwnerID, h.ExpiresAt.UTC().Format(time.RFC3339))
		default:
			fmt.Fprintf(out, "%s: held by %s until %s token=%d\n", h.Strategy, h.OwnerID, h.ExpiresAt.UTC().Format(time.RFC3339), h.FencingToken)
		}
	}
	return nil
}

type sweepResult struct {
	Held    int64               `json:"held"`
	Cleared int64               `json:"cleared"`
	Leases  []lock.ExpiredLease `json:"leases,omitempty"`
}

func runLeaseSweep(ctx context.Context, cfg config.Config, format string, out io.Writer) error {
	if cfg.Lock.Native != config.NativeSQLite {
		return fmt.Errorf("lease sweep needs lock.native=sqlite, have %q", cfg.Lock.Native)
	}
	_, db, closeDB, err := cfg.OpenNativeLock(ctx, config.Deps{})
	if err != nil {
		return err
	}
	defer closeDB()

	swept, err := lock.NewExpirationMonitor(db, lock.MonitorOptions{}).Sweep(ctx)
	if err != nil {
		return err
	}
	res := sweepResult{Held: swept.Held, Cleared: int64(len(swept.Cleared)), Leases: swept.Cleared}
	if format == "json" {
		return printJSON(out, res)
	}
	for _, l := range res.Leases {
		fmt.Fprintf(out, "expired %s owner=%s token=%d at %s\n", l.Resource, l.OwnerID, l.FencingToken, l.ExpiredAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "cleared %d expired lease(s), %d held\n", res.Cleared, res.Held)
	return nil
}

func openLeaseService(ctx context.Context, cfg config.Config) (*lock.LeaseService, func() error, error) {
	native, _, closeDB, err := cfg.OpenNativeLock(ctx, config.Deps{})
	if err != nil {
		return nil, nil, err
	}
	a, ok := native.(lock.SQLiteAdapter)
	if !ok {
		_ = closeDB()
		return nil, nil, fmt.Errorf("native lock %s has no lease table", native.Name())
	}
	return a.Service, closeDB, nil
}
