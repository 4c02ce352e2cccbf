package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/memory"
	"github.com/pattyshack/dwarfeval/registers"
	"github.com/pattyshack/dwarfeval/unwind"
)

type backtraceFlags struct {
	registers   bool
	disassemble bool
}

func (flags *backtraceFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(
		&flags.registers,
		"registers",
		"r",
		false,
		"Print each frame's recovered registers")
	cmd.Flags().BoolVarP(
		&flags.disassemble,
		"disassemble",
		"d",
		false,
		"Disassemble the instructions at each frame's pc")
}

func newBacktraceCmd(opts *options) *cobra.Command {
	var (
		flags   targetFlags
		btFlags backtraceFlags
	)

	cmd := &cobra.Command{
		Use:     "backtrace",
		Aliases: []string{"bt"},
		Short:   "Unwind the stack of a process or core file thread",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := flags.open(opts.logger)
			if err != nil {
				return err
			}
			defer target.Close()

			backtrace, err := walk(cmd.Context(), opts, target)
			if err != nil {
				return err
			}

			return printBacktrace(
				cmd.OutOrStdout(),
				opts,
				target,
				backtrace,
				btFlags)
		},
	}

	flags.register(cmd)
	btFlags.register(cmd)

	return cmd
}

func walk(
	ctx context.Context,
	opts *options,
	target *target,
) (
	*unwind.Backtrace,
	error,
) {
	unwinder := unwind.NewUnwinder(
		target,
		target.Memory,
		opts.logger.With().Str("target", target.Description).Logger())
	unwinder.MaxFrames = opts.config.Unwind.MaxFrames

	return unwinder.Walk(ctx, target.Registers)
}

func (target *target) describePC(pc uint64) string {
	file, ok := target.FileAt(pc)
	if !ok {
		return "??"
	}

	module := filepath.Base(file.Path)
	symbol := file.SymbolSpans(pc)
	if symbol == nil {
		return fmt.Sprintf("?? (%s)", module)
	}

	offset := pc - file.Bias() - symbol.Value
	if offset == 0 {
		return fmt.Sprintf("%s (%s)", symbol.PrettyName(), module)
	}
	return fmt.Sprintf("%s+%#x (%s)", symbol.PrettyName(), offset, module)
}

func printBacktrace(
	out io.Writer,
	opts *options,
	target *target,
	backtrace *unwind.Backtrace,
	flags backtraceFlags,
) error {
	var disassembler *memory.Disassembler
	if flags.disassemble {
		var err error
		disassembler, err = memory.NewDisassembler(
			target.Memory,
			target.Architecture.Machine)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Backtrace of %s:\n", target.Description)
	for _, frame := range backtrace.Frames {
		signal := ""
		if frame.SignalFrame {
			signal = " <signal handler>"
		}

		fmt.Fprintf(
			out,
			"%4d. 0x%016x %s%s\n",
			frame.Index,
			frame.PC,
			target.describePC(frame.LookupPC()),
			signal)

		if flags.registers {
			printRegisters(out, "        ", frame.Registers)
		}

		if disassembler != nil {
			instructions, err := disassembler.Disassemble(
				frame.PC,
				opts.config.Disassemble.Instructions)
			if err != nil {
				fmt.Fprintf(out, "        %s\n", err)
				continue
			}

			for _, inst := range instructions {
				fmt.Fprintf(out, "        %s\n", inst)
			}
		}
	}

	fmt.Fprintf(out, "(%s)\n", backtrace.Stop)
	return nil
}

func printRegisters(out io.Writer, indent string, regs *registers.State) {
	cfa, ok := regs.CFA()
	if ok {
		fmt.Fprintf(out, "%scfa: %#x\n", indent, cfa)
	}

	line := []string{}
	for _, regno := range regs.Defined() {
		value, ok := regs.Value(regno)
		if !ok {
			continue
		}

		line = append(
			line,
			fmt.Sprintf("%s=%#x", regs.RegisterName(regno), value))
		if len(line) == 4 {
			fmt.Fprintf(out, "%s%s\n", indent, strings.Join(line, " "))
			line = line[:0]
		}
	}

	if len(line) > 0 {
		fmt.Fprintf(out, "%s%s\n", indent, strings.Join(line, " "))
	}
}
