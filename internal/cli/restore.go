package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/RNA4219/Conimgponic-sub000/internal/config"
	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

type restoreOptions struct {
	At     string
	Output string
}

func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &restoreOptions{}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Print or write a persisted document",
		Long: `Print the committed current document, or with --at the snapshot recorded
at that RFC 3339 timestamp. --output writes the document to a file through
the same temp-and-rename path the engine uses.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return runRestore(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.At, "at", "", "snapshot timestamp (RFC 3339)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to this file instead of stdout")

	return cmd
}

func runRestore(ctx context.Context, cfg config.Config, opts *restoreOptions, out io.Writer) error {
	store, h, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var doc []byte
	if opts.At == "" {
		doc, err = writer.New(store, cfg.Layout(), nil).ReadCurrent(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("nothing to restore: %s does not exist", cfg.Layout().Current())
		}
		if err != nil {
			return err
		}
		if !json.Valid(doc) {
			return failure.Fatal(failure.DataCorrupted, "parse current", fmt.Errorf("%s is not valid JSON", cfg.Layout().Current()))
		}
	} else {
		ts, perr := time.Parse(time.RFC3339Nano, opts.At)
		if perr != nil {
			return fmt.Errorf("--at: %w", perr)
		}
		if doc, _, err = h.Read(ctx, ts); err != nil {
			return err
		}
	}

	if opts.Output == "" {
		_, err = out.Write(doc)
		return err
	}
	return writeFileAtomic(ctx, opts.Output, doc)
}

// writeFileAtomic writes path through a Local adapter rooted at its
// directory, so the file is replaced by rename.
func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	local, err := storage.NewLocal(dir)
	if err != nil {
		return err
	}
	return writer.New(local, storage.DefaultLayout(), nil).WriteFile(ctx, name, data)
}
