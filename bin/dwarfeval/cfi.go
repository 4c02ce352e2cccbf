package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/elfmodule"
)

func openUnloaded(path string, logger zerolog.Logger) (*elfmodule.LoadedFile, error) {
	file, err := elfmodule.Open(path)
	if err != nil {
		return nil, err
	}
	return file.Load(0, logger), nil
}

func newCFICmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cfi <elf>",
		Short: "List the frame description entries of an ELF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := openUnloaded(args[0], opts.logger)
			if err != nil {
				return err
			}
			defer loaded.Close()

			return printFDEs(cmd.OutOrStdout(), loaded)
		},
	}
}

func printFDEs(out io.Writer, loaded *elfmodule.LoadedFile) error {
	fdes, err := loaded.Module.FDEs()
	if err != nil {
		return err
	}

	var lastCIE *dwarf.CommonInfoEntry
	for _, fde := range fdes {
		cie := fde.CommonInfoEntry
		if cie != lastCIE {
			lastCIE = cie

			section := ".debug_frame"
			if cie.IsEH {
				section = ".eh_frame"
			}

			fmt.Fprintf(
				out,
				"CIE %#x (%s) version=%d augmentation=%q code_align=%d "+
					"data_align=%d ra=%s",
				cie.SectionOffset,
				section,
				cie.Version,
				cie.Augmentation,
				cie.CodeAlignmentFactor,
				cie.DataAlignmentFactor,
				loaded.Platform.RegisterName(cie.ReturnAddressRegister))
			if cie.SignalFrame {
				fmt.Fprint(out, " signal")
			}
			fmt.Fprintln(out)
		}

		name := ""
		symbol := loaded.Symbols.SymbolSpans(fde.InitialLocation)
		if symbol != nil {
			name = " " + symbol.PrettyName()
		}

		fmt.Fprintf(
			out,
			"  FDE %#x [%#x, %#x)%s\n",
			fde.SectionOffset,
			fde.InitialLocation,
			fde.InitialLocation+fde.AddressRange,
			name)
	}

	return nil
}

func newFDECmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fde <elf> <pc>",
		Short: "Print the unwind rules in effect at a file address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := parseAddress(args[1])
			if err != nil {
				return err
			}

			loaded, err := openUnloaded(args[0], opts.logger)
			if err != nil {
				return err
			}
			defer loaded.Close()

			return printRow(cmd.OutOrStdout(), loaded.Module, pc)
		},
	}
}

func printRow(out io.Writer, module *dwarf.Module, unbiasedPC uint64) error {
	row, info, found, err := module.FindCFIRow(unbiasedPC)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no unwind info for %#x", unbiasedPC)
	}

	architecture, err := archOf(module)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "cfa: %s\n", formatRule(architecture, row.CFA()))
	for _, regno := range row.Registers() {
		fmt.Fprintf(
			out,
			"%s: %s\n",
			architecture.RegisterName(regno),
			formatRule(architecture, row.Register(regno)))
	}

	if info.SignalFrame {
		fmt.Fprintln(out, "(signal frame)")
	}
	return nil
}
