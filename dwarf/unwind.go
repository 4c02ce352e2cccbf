package dwarf

import (
	"fmt"
)

type CFIInfo struct {
	SignalFrame bool

	ReturnAddressRegister RegisterNumber
}

// FindCFIRow returns the unwind row in effect at the unbiased pc.  A pc not
// covered by any FDE is reported as not found.
func (module *Module) FindCFIRow(
	unbiasedPC uint64,
) (
	*Row,
	CFIInfo,
	bool,
	error,
) {
	table, err := module.cfiTable()
	if err != nil {
		return nil, CFIInfo{}, false, err
	}

	fde := table.find(unbiasedPC)
	if fde == nil {
		module.Logger.Debug().
			Str("module", module.Name).
			Str("pc", fmt.Sprintf("%#x", unbiasedPC)).
			Msg("no FDE covers pc")
		return nil, CFIInfo{}, false, nil
	}

	initial, err := module.evaluateCFI(
		table,
		fde,
		nil,
		unbiasedPC,
		fde.InitialInstructions,
		fde.CommonInfoEntry.instructionsOffset,
		module.DefaultCFIRow())
	if err != nil {
		return nil, CFIInfo{}, false, err
	}

	row, err := module.evaluateCFI(
		table,
		fde,
		initial,
		unbiasedPC,
		fde.Instructions,
		fde.instructionsOffset,
		initial.Clone())
	if err != nil {
		return nil, CFIInfo{}, false, err
	}

	return row,
		CFIInfo{
			SignalFrame:           fde.SignalFrame,
			ReturnAddressRegister: fde.ReturnAddressRegister,
		},
		true,
		nil
}

// EvaluateCFIExpression evaluates an expression based rule into out.  For
// AtExpressionRule, out is filled from memory at the computed address;
// otherwise out holds the computed value in the target's byte order.
func (module *Module) EvaluateCFIExpression(
	rule Rule,
	regs RegisterState,
	memory MemoryReader,
	out []byte,
) (
	bool,
	error,
) {
	remaining := MaxExpressionOperations
	eval, err := NewExpressionEvaluator(
		ExpressionContext{
			Module:    module,
			Registers: regs,
			Memory:    memory,
		},
		rule.Expression,
		&remaining)
	if err != nil {
		return false, err
	}

	if rule.PushCFA {
		if regs == nil {
			return false, nil
		}

		cfa, ok := regs.CFA()
		if !ok {
			return false, nil
		}
		eval.push(cfa)
	}

	found, err := eval.Run()
	if err != nil || !found {
		return found, err
	}

	if !eval.HasReachedEnd() {
		return false, eval.errorf(
			"invalid opcode %#x for CFI expression",
			eval.Content[eval.Position])
	}

	value, ok := eval.Top()
	if !ok {
		return false, nil
	}

	if rule.Kind == AtExpressionRule {
		if memory == nil {
			return false, fmt.Errorf("%w: no memory reader", ErrInvalidArgument)
		}

		err := memory.ReadMemory(value, out)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	encodeUint(module.ByteOrder(), value, out)
	return true, nil
}

// EvaluateRule recovers a caller frame's register content into out, given
// the callee frame's register state (with CFA set).
func (module *Module) EvaluateRule(
	rule Rule,
	regs RegisterState,
	memory MemoryReader,
	out []byte,
) (
	bool,
	error,
) {
	switch rule.Kind {
	case UndefinedRule:
		return false, nil
	case AtCFAPlusOffsetRule, CFAPlusOffsetRule:
		if regs == nil {
			return false, nil
		}

		cfa, ok := regs.CFA()
		if !ok {
			return false, nil
		}
		address := cfa + uint64(rule.Offset)

		if rule.Kind == CFAPlusOffsetRule {
			encodeUint(module.ByteOrder(), address, out)
			return true, nil
		}

		if memory == nil {
			return false, fmt.Errorf("%w: no memory reader", ErrInvalidArgument)
		}

		err := memory.ReadMemory(address, out)
		if err != nil {
			return false, err
		}
		return true, nil
	case RegisterPlusOffsetRule:
		if regs == nil {
			return false, nil
		}

		content, ok := regs.RegisterBytes(rule.Register)
		if !ok {
			return false, nil
		}

		if rule.Offset == 0 && len(content) == len(out) {
			copy(out, content)
			return true, nil
		}

		value := RegisterValue(module.ByteOrder(), content) + uint64(rule.Offset)
		encodeUint(module.ByteOrder(), value, out)
		return true, nil
	case AtExpressionRule, ExpressionRule:
		return module.EvaluateCFIExpression(rule, regs, memory, out)
	}

	return false, fmt.Errorf("%w rule kind (%s)", ErrInvalidArgument, rule.Kind)
}

// EvaluateCFA computes the canonical frame address described by the row's
// CFA rule.
func (module *Module) EvaluateCFA(
	row *Row,
	regs RegisterState,
	memory MemoryReader,
) (
	uint64,
	bool,
	error,
) {
	rule := row.CFA()
	switch rule.Kind {
	case UndefinedRule:
		return 0, false, nil
	case RegisterPlusOffsetRule:
		if regs == nil {
			return 0, false, nil
		}

		content, ok := regs.RegisterBytes(rule.Register)
		if !ok {
			return 0, false, nil
		}

		value := RegisterValue(module.ByteOrder(), content) + uint64(rule.Offset)
		return value & uintMax(module.AddressSize()), true, nil
	case ExpressionRule:
		out := make([]byte, module.AddressSize())
		found, err := module.EvaluateCFIExpression(rule, regs, memory, out)
		if err != nil || !found {
			return 0, found, err
		}
		return decodeUint(module.ByteOrder(), out), true, nil
	}

	return 0, false, fmt.Errorf("%w CFA rule kind (%s)", ErrInvalidArgument, rule.Kind)
}
