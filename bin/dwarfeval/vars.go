package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/unwind"
)

func newVarsCmd(opts *options) *cobra.Command {
	var (
		flags      targetFlags
		frameIndex int
		globals    bool
	)

	cmd := &cobra.Command{
		Use:   "vars",
		Short: "Print the variables visible in a stack frame",
		Args:  cobra.NoArgs,
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

			frame, err := selectFrame(backtrace, frameIndex)
			if err != nil {
				return err
			}

			return printVariables(cmd.OutOrStdout(), target, frame, globals)
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVarP(&frameIndex, "frame", "f", 0, "Frame index")
	cmd.Flags().BoolVarP(&globals, "globals", "g", false, "Include globals")

	return cmd
}

func selectFrame(backtrace *unwind.Backtrace, index int) (*unwind.Frame, error) {
	if index < 0 || index >= len(backtrace.Frames) {
		return nil, fmt.Errorf(
			"frame #%d not found (backtrace has %d frames)",
			index,
			len(backtrace.Frames))
	}
	return backtrace.Frames[index], nil
}

func printVariables(
	out io.Writer,
	target *target,
	frame *unwind.Frame,
	globals bool,
) error {
	lookupPC := frame.LookupPC()
	file, ok := target.FileAt(lookupPC)
	if !ok {
		return fmt.Errorf("no module contains %#x", frame.PC)
	}

	variables, err := file.Variables(lookupPC)
	if err != nil {
		return err
	}

	fmt.Fprintf(
		out,
		"Frame #%d (%s):\n",
		frame.Index,
		target.describePC(lookupPC))

	count := 0
	for _, variable := range variables {
		if variable.Global && !globals {
			continue
		}
		count++

		kind := "local"
		if variable.Parameter {
			kind = "param"
		} else if variable.Global {
			kind = "global"
		}

		value := ""
		object, err := variable.Object(frame.Registers, target.Memory)
		if err != nil {
			value = fmt.Sprintf("<%s>", err)
		} else {
			value = formatObject(target.Architecture, object)
		}

		fmt.Fprintf(
			out,
			"  %-6s %s %s = %s\n",
			kind,
			variable.TypeName,
			variable.Name,
			value)
	}

	if count == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	return nil
}
