package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/config"
	"github.com/pattyshack/dwarfeval/logging"
)

type options struct {
	configPath string
	logLevel   string

	config *config.Config
	logger zerolog.Logger
}

func (opts *options) load() error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	opts.config = cfg
	opts.logger = logging.NewWithComponent(cfg.Logging(os.Stderr), "dwarfeval")
	return nil
}

func newRootCmd() *cobra.Command {
	opts := &options{
		config: config.Default(),
		logger: zerolog.Nop(),
	}

	cmd := &cobra.Command{
		Use:   "dwarfeval",
		Short: "Evaluate DWARF locations and call frame information",
		Long: `Inspect the DWARF debug info of ELF binaries and the stacks of
stopped processes or core files.

The target is never modified: process threads are only read while
attached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(
		&opts.configPath,
		"config",
		"",
		"Config file (default $"+config.EnvironmentVariable+
			" or ~/.config/dwarfeval/config.yaml)")
	cmd.PersistentFlags().StringVar(
		&opts.logLevel,
		"log-level",
		"",
		"Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newCFICmd(opts))
	cmd.AddCommand(newFDECmd(opts))
	cmd.AddCommand(newExprCmd(opts))
	cmd.AddCommand(newBacktraceCmd(opts))
	cmd.AddCommand(newVarsCmd(opts))
	cmd.AddCommand(newReplCmd(opts))

	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
