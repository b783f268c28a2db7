package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/RNA4219/Conimgponic-sub000/internal/config"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Root       string
	Driver     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the autosave CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "autosave",
		Short: "Storyboard autosave engine",
		Long: `Persists a storyboard document with debounced atomic writes, a bounded
snapshot history and a cross-process flush lease.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "storage root (overrides config and AUTOSAVE_ROOT)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "storage", "", "storage driver (overrides config and AUTOSAVE_STORAGE)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewLeaseCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// load resolves the config file, environment and command-line overrides,
// in that order.
func (o *RootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.Root != "" {
		cfg.Storage.Root = o.Root
	}
	if o.Driver != "" {
		cfg.Storage.Driver = o.Driver
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) *obs.Logger {
	if w == nil {
		w = os.Stderr
	}
	return obs.NewLoggerTo(w, cfg.Log.Level)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
