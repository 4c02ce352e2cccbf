package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/pattyshack/dwarfeval/dwarf"
	"github.com/pattyshack/dwarfeval/memory"
	"github.com/pattyshack/dwarfeval/unwind"
)

type session struct {
	opts   *options
	out    io.Writer
	target *target

	backtrace *unwind.Backtrace
	frame     *unwind.Frame
}

type replCommand struct {
	name  string
	usage string
	run   func(*session, []string) error
}

var replCommands []replCommand

func init() {
	replCommands = []replCommand{
		{
			name:  "backtrace",
			usage: "backtrace [registers]",
			run:   (*session).printBacktrace,
		},
		{
			name:  "cfi",
			usage: "cfi",
			run:   (*session).printCFIRow,
		},
		{
			name:  "disassemble",
			usage: "disassemble [count]",
			run:   (*session).disassemble,
		},
		{
			name:  "expr",
			usage: "expr <hex>...",
			run:   (*session).evaluate,
		},
		{
			name:  "frame",
			usage: "frame [index]",
			run:   (*session).selectFrame,
		},
		{
			name:  "help",
			usage: "help",
			run:   (*session).help,
		},
		{
			name:  "registers",
			usage: "registers",
			run:   (*session).printRegisters,
		},
		{
			name:  "vars",
			usage: "vars [globals]",
			run:   (*session).printVariables,
		},
	}
}

func newReplCmd(opts *options) *cobra.Command {
	var flags targetFlags

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactively inspect the stack of a process or core file",
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

			s := &session{
				opts:      opts,
				out:       cmd.OutOrStdout(),
				target:    target,
				backtrace: backtrace,
			}
			if len(backtrace.Frames) > 0 {
				s.frame = backtrace.Frames[0]
			}

			return s.loop()
		},
	}

	flags.register(cmd)
	return cmd
}

func (s *session) loop() error {
	fmt.Fprintf(
		s.out,
		"loaded %s (%d frames)\n",
		s.target.Description,
		len(s.backtrace.Frames))

	rl, err := readline.NewEx(&readline.Config{
		Prompt: "dwarfeval > ",
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		args := strings.Fields(line)
		cmd, ok := s.lookup(args[0])
		if !ok {
			continue
		}

		err = cmd.run(s, args[1:])
		if err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

func (s *session) lookup(name string) (replCommand, bool) {
	matches := []replCommand{}
	for _, cmd := range replCommands {
		if cmd.name == name {
			return cmd, true
		}
		if strings.HasPrefix(cmd.name, name) {
			matches = append(matches, cmd)
		}
	}

	switch len(matches) {
	case 0:
		fmt.Fprintln(s.out, "invalid command:", name)
	case 1:
		return matches[0], true
	default:
		names := []string{}
		for _, cmd := range matches {
			names = append(names, cmd.name)
		}
		fmt.Fprintf(
			s.out,
			"ambiguous command: %s (%s)\n",
			name,
			strings.Join(names, ", "))
	}

	return replCommand{}, false
}

func (s *session) help(args []string) error {
	for _, cmd := range replCommands {
		fmt.Fprintln(s.out, " ", cmd.usage)
	}
	return nil
}

func (s *session) currentFrame() (*unwind.Frame, error) {
	if s.frame == nil {
		return nil, fmt.Errorf("no frame selected")
	}
	return s.frame, nil
}

func (s *session) printBacktrace(args []string) error {
	flags := backtraceFlags{}
	if len(args) > 0 && strings.HasPrefix("registers", args[0]) {
		flags.registers = true
	}
	return printBacktrace(s.out, s.opts, s.target, s.backtrace, flags)
}

func (s *session) selectFrame(args []string) error {
	if len(args) > 0 {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid frame index: %s", args[0])
		}

		frame, err := selectFrame(s.backtrace, index)
		if err != nil {
			return err
		}
		s.frame = frame
	}

	frame, err := s.currentFrame()
	if err != nil {
		return err
	}

	fmt.Fprintf(
		s.out,
		"%4d. 0x%016x %s\n",
		frame.Index,
		frame.PC,
		s.target.describePC(frame.LookupPC()))
	return nil
}

func (s *session) printRegisters(args []string) error {
	frame, err := s.currentFrame()
	if err != nil {
		return err
	}

	printRegisters(s.out, "  ", frame.Registers)
	return nil
}

func (s *session) printVariables(args []string) error {
	frame, err := s.currentFrame()
	if err != nil {
		return err
	}

	globals := len(args) > 0 && strings.HasPrefix("globals", args[0])
	return printVariables(s.out, s.target, frame, globals)
}

func (s *session) printCFIRow(args []string) error {
	frame, err := s.currentFrame()
	if err != nil {
		return err
	}

	if frame.Module == nil {
		return fmt.Errorf("no module contains %#x", frame.PC)
	}

	return printRow(s.out, frame.Module, frame.LookupPC()-frame.Module.Bias)
}

func (s *session) disassemble(args []string) error {
	frame, err := s.currentFrame()
	if err != nil {
		return err
	}

	count := s.opts.config.Disassemble.Instructions
	if len(args) > 0 {
		count, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid instruction count: %s", args[0])
		}
	}

	disassembler, err := memory.NewDisassembler(
		s.target.Memory,
		s.target.Architecture.Machine)
	if err != nil {
		return err
	}

	instructions, err := disassembler.Disassemble(frame.PC, count)
	if err != nil {
		return err
	}

	for _, inst := range instructions {
		fmt.Fprintln(s.out, " ", inst)
	}
	return nil
}

func (s *session) evaluate(args []string) error {
	frame, err := s.currentFrame()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		return fmt.Errorf("expected hex encoded expression")
	}

	expression, err := parseExpression(args)
	if err != nil {
		return err
	}

	module := frame.Module
	if module == nil {
		module = dwarf.NewModule("expr", s.target.Architecture, nil, 0, 0, 0)
	}

	return evaluateExpression(
		s.out,
		dwarf.ExpressionContext{
			Module:    module,
			Registers: frame.Registers,
			Memory:    s.target.Memory,
		},
		s.target.Architecture,
		expression)
}

