package dwarf

import (
	"fmt"
)

type ExpressionContext struct {
	*Module

	// nil when evaluating call frame information.
	Unit *CompileUnit

	// nil outside of a function, or when evaluating the frame base itself.
	Function *FunctionEntry

	// nil if register values are unavailable.
	Registers RegisterState

	Memory MemoryReader
}

func (context ExpressionContext) unitAddressSize() int {
	if context.Unit != nil {
		return context.Unit.AddressSize
	}
	return context.Module.AddressSize()
}

// ExpressionEvaluator executes a dwarf expression until the expression ends
// or a location description operation (DW_OP_reg*, DW_OP_regx,
// DW_OP_implicit_value, DW_OP_stack_value, DW_OP_piece, DW_OP_bit_piece) is
// reached.  In the latter case, the cursor is left pointing at that
// operation for the caller to interpret.
type ExpressionEvaluator struct {
	ExpressionContext
	*Cursor

	Stack []uint64

	// Shared by all evaluations (including nested frame base evaluations)
	// derived from the same top level request.
	remaining *int

	addressSize int
	addressMask uint64
}

func NewExpressionEvaluator(
	context ExpressionContext,
	expression []byte,
	remaining *int,
) (
	*ExpressionEvaluator,
	error,
) {
	addressSize := context.unitAddressSize()
	err := checkAddressSize(addressSize)
	if err != nil {
		return nil, err
	}

	return &ExpressionEvaluator{
		ExpressionContext: context,
		Cursor:            NewCursor(context.ByteOrder(), expression),
		remaining:         remaining,
		addressSize:       addressSize,
		addressMask:       uintMax(addressSize),
	}, nil
}

// Run returns false (with nil error) when the expression depends on
// unavailable state (missing registers, CFA, or frame base).
func (eval *ExpressionEvaluator) Run() (bool, error) {
	for !eval.HasReachedEnd() {
		if *eval.remaining <= 0 {
			return false, eval.errorAt(
				eval.Position,
				ErrTooManyOperations,
				"DWARF expression operation budget exhausted")
		}
		*eval.remaining--

		start := eval.Position
		opCode, err := eval.U8()
		if err != nil {
			return false, err
		}
		op := Operation(opCode)

		// Indexed operations need the unit's address table.  Without a unit
		// (e.g., in call frame information), stop at the operation.
		if op.IsLocationDescription() ||
			(eval.Unit == nil && (op == DW_OP_addrx || op == DW_OP_constx)) {
			eval.Position = start
			return true, nil
		}

		found, err := eval.executeInstruction(start, op)
		if err != nil || !found {
			return found, err
		}
	}

	return true, nil
}

// Top returns the top of the stack.
func (eval *ExpressionEvaluator) Top() (uint64, bool) {
	if len(eval.Stack) == 0 {
		return 0, false
	}
	return eval.Stack[len(eval.Stack)-1], true
}

func (eval *ExpressionEvaluator) check(start int, depth int) error {
	if len(eval.Stack) < depth {
		return eval.errorAt(start, nil, "DWARF expression stack underflow")
	}
	return nil
}

// elem returns a pointer to the idx-th element from the top of the stack.
func (eval *ExpressionEvaluator) elem(idx int) *uint64 {
	return &eval.Stack[len(eval.Stack)-1-idx]
}

func (eval *ExpressionEvaluator) push(value uint64) {
	eval.Stack = append(eval.Stack, value)
}

func (eval *ExpressionEvaluator) pushMasked(value uint64) {
	eval.Stack = append(eval.Stack, value&eval.addressMask)
}

func (eval *ExpressionEvaluator) pop() uint64 {
	value := eval.Stack[len(eval.Stack)-1]
	eval.Stack = eval.Stack[:len(eval.Stack)-1]
	return value
}

func (eval *ExpressionEvaluator) executeInstruction(
	start int,
	op Operation,
) (
	bool,
	error,
) {
	switch {
	case DW_OP_lit0 <= op && op <= DW_OP_lit31:
		eval.push(uint64(op - DW_OP_lit0))
		return true, nil
	case DW_OP_breg0 <= op && op <= DW_OP_breg31:
		return eval.breg(uint64(op - DW_OP_breg0))
	}

	switch op {
	case DW_OP_addr,
		DW_OP_const1u, DW_OP_const1s,
		DW_OP_const2u, DW_OP_const2s,
		DW_OP_const4u, DW_OP_const4s,
		DW_OP_const8u, DW_OP_const8s,
		DW_OP_constu, DW_OP_consts:
		return true, eval.pushConst(op)
	case DW_OP_addrx, DW_OP_constx:
		return eval.addrx()

	case DW_OP_fbreg:
		return eval.fbreg()
	case DW_OP_bregx:
		regno, err := eval.ULEB128(64)
		if err != nil {
			return false, err
		}
		return eval.breg(regno)

	case DW_OP_dup:
		err := eval.check(start, 1)
		if err != nil {
			return false, err
		}
		eval.push(*eval.elem(0))
		return true, nil
	case DW_OP_drop:
		err := eval.check(start, 1)
		if err != nil {
			return false, err
		}
		eval.pop()
		return true, nil
	case DW_OP_pick:
		idx, err := eval.U8()
		if err != nil {
			return false, err
		}
		err = eval.check(start, int(idx)+1)
		if err != nil {
			return false, err
		}
		eval.push(*eval.elem(int(idx)))
		return true, nil
	case DW_OP_over:
		err := eval.check(start, 2)
		if err != nil {
			return false, err
		}
		eval.push(*eval.elem(1))
		return true, nil
	case DW_OP_swap:
		err := eval.check(start, 2)
		if err != nil {
			return false, err
		}
		top := eval.elem(0)
		second := eval.elem(1)
		*top, *second = *second, *top
		return true, nil
	case DW_OP_rot:
		err := eval.check(start, 3)
		if err != nil {
			return false, err
		}
		// [... third second top] -> [... top third second]
		top := *eval.elem(0)
		*eval.elem(0) = *eval.elem(1)
		*eval.elem(1) = *eval.elem(2)
		*eval.elem(2) = top
		return true, nil

	case DW_OP_deref, DW_OP_deref_size:
		return true, eval.deref(start, op)
	case DW_OP_call_frame_cfa:
		if eval.Registers == nil {
			return false, nil
		}
		cfa, ok := eval.Registers.CFA()
		if !ok {
			return false, nil
		}
		eval.push(cfa)
		return true, nil

	case DW_OP_abs, DW_OP_neg, DW_OP_not:
		return true, eval.unary(start, op)
	case DW_OP_plus_uconst:
		err := eval.check(start, 1)
		if err != nil {
			return false, err
		}
		addend, err := eval.ULEB128(64)
		if err != nil {
			return false, err
		}
		*eval.elem(0) = (*eval.elem(0) + addend) & eval.addressMask
		return true, nil
	case DW_OP_and, DW_OP_div, DW_OP_minus, DW_OP_mod, DW_OP_mul, DW_OP_or,
		DW_OP_plus, DW_OP_shl, DW_OP_shr, DW_OP_shra, DW_OP_xor:
		return true, eval.binary(start, op)
	case DW_OP_le, DW_OP_ge, DW_OP_eq, DW_OP_lt, DW_OP_gt, DW_OP_ne:
		return true, eval.compare(start, op)

	case DW_OP_skip:
		return true, eval.skip(start)
	case DW_OP_bra:
		err := eval.check(start, 1)
		if err != nil {
			return false, err
		}
		if eval.pop() != 0 {
			return true, eval.skip(start)
		}
		return true, eval.Skip(2)

	case DW_OP_nop:
		return true, nil
	}

	if op.IsUnsupported() {
		return false, fmt.Errorf("%w DWARF expression opcode %s", ErrUnsupported, op)
	}

	return false, eval.errorAt(
		start,
		nil,
		"unknown DWARF expression opcode %#x",
		uint8(op))
}

func (eval *ExpressionEvaluator) pushConst(op Operation) error {
	var value uint64
	switch op {
	case DW_OP_addr:
		n, err := eval.UintN(eval.addressSize)
		if err != nil {
			return err
		}
		eval.push(n)
		return nil
	case DW_OP_const1u:
		n, err := eval.U8()
		if err != nil {
			return err
		}
		eval.push(uint64(n))
		return nil
	case DW_OP_const1s:
		n, err := eval.S8()
		if err != nil {
			return err
		}
		value = uint64(n)
	case DW_OP_const2u:
		n, err := eval.U16()
		if err != nil {
			return err
		}
		value = uint64(n)
	case DW_OP_const2s:
		n, err := eval.S16()
		if err != nil {
			return err
		}
		value = uint64(n)
	case DW_OP_const4u:
		n, err := eval.U32()
		if err != nil {
			return err
		}
		value = uint64(n)
	case DW_OP_const4s:
		n, err := eval.S32()
		if err != nil {
			return err
		}
		value = uint64(n)
	case DW_OP_const8u:
		n, err := eval.U64()
		if err != nil {
			return err
		}
		value = n
	case DW_OP_const8s:
		n, err := eval.S64()
		if err != nil {
			return err
		}
		value = uint64(n)
	case DW_OP_constu:
		n, err := eval.ULEB128(64)
		if err != nil {
			return err
		}
		value = n
	case DW_OP_consts:
		n, err := eval.SLEB128(64)
		if err != nil {
			return err
		}
		value = uint64(n)
	}

	eval.pushMasked(value)
	return nil
}

func (eval *ExpressionEvaluator) addrx() (bool, error) {
	index, err := eval.ULEB128(64)
	if err != nil {
		return false, err
	}

	value, err := eval.Unit.IndexedAddress(index)
	if err != nil {
		return false, err
	}

	eval.push(value)
	return true, nil
}

func (eval *ExpressionEvaluator) breg(dwarfRegno uint64) (bool, error) {
	value, ok := eval.registerValue(eval.Registers, dwarfRegno)
	if !ok {
		return false, nil
	}

	offset, err := eval.SLEB128(64)
	if err != nil {
		return false, err
	}

	eval.pushMasked(value + uint64(offset))
	return true, nil
}

func (eval *ExpressionEvaluator) fbreg() (bool, error) {
	base, found, err := eval.frameBase()
	if err != nil || !found {
		return found, err
	}

	offset, err := eval.SLEB128(64)
	if err != nil {
		return false, err
	}

	eval.pushMasked(base + uint64(offset))
	return true, nil
}

// frameBase evaluates the current function's DW_AT_frame_base.  The frame
// base is either a value computed by the expression, or the content of the
// register named by a final DW_OP_reg*/DW_OP_regx.
func (eval *ExpressionEvaluator) frameBase() (uint64, bool, error) {
	function := eval.Function
	if function == nil || function.FrameBase == nil {
		return 0, false, nil
	}

	expression, err := function.Unit.ResolveLocation(
		function.FrameBase,
		eval.Registers)
	if err != nil {
		return 0, false, err
	}

	base, err := NewExpressionEvaluator(
		ExpressionContext{
			Module:    eval.Module,
			Unit:      function.Unit,
			Registers: eval.Registers,
			Memory:    eval.Memory,
		},
		expression,
		eval.remaining)
	if err != nil {
		return 0, false, err
	}

	found, err := base.Run()
	if err != nil || !found {
		return 0, found, err
	}

	if base.HasReachedEnd() {
		value, ok := base.Top()
		return value, ok, nil
	}

	start := base.Position
	opCode, err := base.U8()
	if err != nil {
		return 0, false, err
	}
	op := Operation(opCode)

	var dwarfRegno uint64
	switch {
	case DW_OP_reg0 <= op && op <= DW_OP_reg31:
		dwarfRegno = uint64(op - DW_OP_reg0)
	case op == DW_OP_regx:
		dwarfRegno, err = base.ULEB128(64)
		if err != nil {
			return 0, false, err
		}
	default:
		return 0, false, base.errorAt(
			start,
			nil,
			"invalid opcode %#x for DW_AT_frame_base expression",
			opCode)
	}

	value, ok := eval.registerValue(eval.Registers, dwarfRegno)
	if !ok {
		return 0, false, nil
	}

	if !base.HasReachedEnd() {
		return 0, false, base.errorf(
			"stray operations in DW_AT_frame_base expression")
	}

	return value, true, nil
}

func (eval *ExpressionEvaluator) deref(start int, op Operation) error {
	err := eval.check(start, 1)
	if err != nil {
		return err
	}

	size := eval.addressSize
	if op == DW_OP_deref_size {
		n, err := eval.U8()
		if err != nil {
			return err
		}
		if int(n) > eval.addressSize {
			return eval.errorAt(start, nil, "DW_OP_deref_size has invalid size")
		}
		size = int(n)
	}

	if eval.Memory == nil {
		return fmt.Errorf(
			"failed to read DWARF expression memory: %w",
			ErrInvalidArgument)
	}

	address := eval.elem(0)

	content := make([]byte, size)
	err = eval.Memory.ReadMemory(*address, content)
	if err != nil {
		return fmt.Errorf(
			"failed to read %d bytes at %#x: %w",
			size,
			*address,
			err)
	}

	*address = decodeUint(eval.ByteOrder, content)
	return nil
}

func (eval *ExpressionEvaluator) unary(start int, op Operation) error {
	err := eval.check(start, 1)
	if err != nil {
		return err
	}

	top := eval.elem(0)
	switch op {
	case DW_OP_abs:
		signBit := uint64(1) << (8*uint(eval.addressSize) - 1)
		if *top&signBit != 0 {
			*top = -*top & eval.addressMask
		}
	case DW_OP_neg:
		*top = -*top & eval.addressMask
	case DW_OP_not:
		*top = ^*top & eval.addressMask
	}

	return nil
}

func (eval *ExpressionEvaluator) binary(start int, op Operation) error {
	err := eval.check(start, 2)
	if err != nil {
		return err
	}

	bitSize := 8 * eval.addressSize

	top := eval.pop()
	second := eval.elem(0)
	switch op {
	case DW_OP_and:
		*second &= top
	case DW_OP_or:
		*second |= top
	case DW_OP_xor:
		*second ^= top
	case DW_OP_div:
		if top == 0 {
			return eval.errorAt(start, nil, "division by zero in DWARF expression")
		}
		dividend := truncateSigned(*second, bitSize)
		divisor := truncateSigned(top, bitSize)
		*second = uint64(dividend/divisor) & eval.addressMask
	case DW_OP_mod:
		if top == 0 {
			return eval.errorAt(start, nil, "modulo by zero in DWARF expression")
		}
		*second %= top
	case DW_OP_minus:
		*second = (*second - top) & eval.addressMask
	case DW_OP_mul:
		*second = (*second * top) & eval.addressMask
	case DW_OP_plus:
		*second = (*second + top) & eval.addressMask
	case DW_OP_shl:
		if top < uint64(bitSize) {
			*second = (*second << top) & eval.addressMask
		} else {
			*second = 0
		}
	case DW_OP_shr:
		if top < uint64(bitSize) {
			*second >>= top
		} else {
			*second = 0
		}
	case DW_OP_shra:
		value := truncateSigned(*second, bitSize)
		if top < uint64(bitSize) {
			*second = uint64(value>>top) & eval.addressMask
		} else if value < 0 {
			*second = eval.addressMask
		} else {
			*second = 0
		}
	}

	return nil
}

func (eval *ExpressionEvaluator) compare(start int, op Operation) error {
	err := eval.check(start, 2)
	if err != nil {
		return err
	}

	bitSize := 8 * eval.addressSize

	b := truncateSigned(eval.pop(), bitSize)
	second := eval.elem(0)
	a := truncateSigned(*second, bitSize)

	result := false
	switch op {
	case DW_OP_le:
		result = a <= b
	case DW_OP_ge:
		result = a >= b
	case DW_OP_eq:
		result = a == b
	case DW_OP_lt:
		result = a < b
	case DW_OP_gt:
		result = a > b
	case DW_OP_ne:
		result = a != b
	}

	if result {
		*second = 1
	} else {
		*second = 0
	}
	return nil
}

func (eval *ExpressionEvaluator) skip(start int) error {
	offset, err := eval.S16()
	if err != nil {
		return err
	}

	if offset >= 0 {
		if int(offset) > eval.Remaining() {
			return eval.errorAt(start, nil, "DWARF expression branch is out of bounds")
		}
	} else if -int(offset) > eval.Position {
		return eval.errorAt(start, nil, "DWARF expression branch is out of bounds")
	}

	eval.Position += int(offset)
	return nil
}
