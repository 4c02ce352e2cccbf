package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/arch"
	"github.com/pattyshack/dwarfeval/dwarf"
)

func parseExpression(args []string) ([]byte, error) {
	joined := strings.Join(args, "")
	joined = strings.TrimPrefix(strings.ToLower(joined), "0x")
	joined = strings.NewReplacer(" ", "", ":", "").Replace(joined)

	expression, err := hex.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("invalid hex encoded expression: %w", err)
	}
	return expression, nil
}

func newExprCmd(opts *options) *cobra.Command {
	var (
		archName string
		flags    targetFlags
	)

	cmd := &cobra.Command{
		Use:   "expr <hex>...",
		Short: "Disassemble and evaluate a DWARF expression",
		Long: `Disassemble and evaluate a hex encoded DWARF expression.

Without a target, the expression is evaluated without registers or
memory.  With --pid, --exec or --core, it is evaluated against the target's
innermost frame.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expression, err := parseExpression(args)
			if err != nil {
				return err
			}

			if flags.pid == 0 && flags.exec == "" && flags.core == "" {
				architecture, err := archByName(archName)
				if err != nil {
					return err
				}

				module := dwarf.NewModule("expr", architecture, nil, 0, 0, 0)
				module.Logger = opts.logger
				return evaluateExpression(
					cmd.OutOrStdout(),
					dwarf.ExpressionContext{Module: module},
					architecture,
					expression)
			}

			target, err := flags.open(opts.logger)
			if err != nil {
				return err
			}
			defer target.Close()

			pc, _ := target.Registers.PC()
			module, ok := target.ModuleAt(pc)
			if !ok {
				module = dwarf.NewModule("expr", target.Architecture, nil, 0, 0, 0)
			}

			return evaluateExpression(
				cmd.OutOrStdout(),
				dwarf.ExpressionContext{
					Module:    module,
					Registers: target.Registers,
					Memory:    target.Memory,
				},
				target.Architecture,
				expression)
		},
	}

	cmd.Flags().StringVar(
		&archName,
		"arch",
		"x86-64",
		"Target architecture (x86-64, aarch64)")
	flags.register(cmd)

	return cmd
}

func archByName(name string) (*arch.Architecture, error) {
	for _, architecture := range []*arch.Architecture{arch.AMD64, arch.ARM64} {
		if architecture.Name() == name {
			return architecture, nil
		}
	}
	return nil, fmt.Errorf("unknown architecture %q", name)
}

func evaluateExpression(
	out io.Writer,
	context dwarf.ExpressionContext,
	architecture *arch.Architecture,
	expression []byte,
) error {
	fmt.Fprintln(out, formatExpression(architecture, expression))

	remaining := dwarf.MaxExpressionOperations
	eval, err := dwarf.NewExpressionEvaluator(context, expression, &remaining)
	if err != nil {
		return err
	}

	found, err := eval.Run()
	if err != nil {
		return err
	}

	if !found {
		fmt.Fprintln(out, "value unavailable")
		return nil
	}

	if !eval.HasReachedEnd() {
		fmt.Fprintf(
			out,
			"stopped at location operation (offset %d)\n",
			eval.Position)
	}

	for idx := len(eval.Stack) - 1; idx >= 0; idx-- {
		fmt.Fprintf(out, "[%d] %#x\n", len(eval.Stack)-1-idx, eval.Stack[idx])
	}
	return nil
}
