package dwarf

import (
	"math"
	"math/bits"
	"sort"
)

type RuleKind string

const (
	// Unable to recover the register.
	UndefinedRule = RuleKind("undefined")

	// The register is saved in memory at CFA + offset.
	AtCFAPlusOffsetRule = RuleKind("at cfa plus offset")

	// The register's value is CFA + offset.
	CFAPlusOffsetRule = RuleKind("cfa plus offset")

	// The register's value is the content of Register + offset.  Same value
	// is expressed as the register itself + 0.
	RegisterPlusOffsetRule = RuleKind("register plus offset")

	// The register is saved in memory at the address computed by the
	// expression.
	AtExpressionRule = RuleKind("at expression")

	// The register's value is computed by the expression.
	ExpressionRule = RuleKind("expression")
)

type Rule struct {
	Kind RuleKind

	Register RegisterNumber // RegisterPlusOffsetRule

	Offset int64 // *OffsetRule

	Expression []byte // *ExpressionRule

	// When true, the CFA is pushed onto the expression stack before
	// evaluation.
	PushCFA bool
}

// Row is the set of rules for recovering a caller frame's registers at a
// given pc.  Registers without an explicit rule are undefined.
type Row struct {
	cfa       Rule
	registers map[RegisterNumber]Rule
}

func NewRow() *Row {
	return &Row{
		cfa:       Rule{Kind: UndefinedRule},
		registers: map[RegisterNumber]Rule{},
	}
}

func (row *Row) Clone() *Row {
	registers := make(map[RegisterNumber]Rule, len(row.registers))
	for regno, rule := range row.registers {
		registers[regno] = rule
	}

	return &Row{
		cfa:       row.cfa,
		registers: registers,
	}
}

func (row *Row) CFA() Rule {
	return row.cfa
}

func (row *Row) SetCFA(rule Rule) {
	row.cfa = rule
}

func (row *Row) Register(regno RegisterNumber) Rule {
	rule, ok := row.registers[regno]
	if !ok {
		return Rule{Kind: UndefinedRule}
	}
	return rule
}

func (row *Row) SetRegister(regno RegisterNumber, rule Rule) {
	row.registers[regno] = rule
}

// Registers returns the registers with explicit rules, in ascending order.
func (row *Row) Registers() []RegisterNumber {
	result := make([]RegisterNumber, 0, len(row.registers))
	for regno := range row.registers {
		result = append(result, regno)
	}

	sort.Slice(result, func(i int, j int) bool { return result[i] < result[j] })
	return result
}

func multiplyOffset(a int64, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}

	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}

	result := a * b
	if result/b != a {
		return 0, false
	}
	return result, true
}

func multiplyUnsignedOffset(a uint64, b int64) (int64, bool) {
	if a > math.MaxInt64 {
		if b == 0 {
			return 0, true
		}
		if b == -1 && a == uint64(1)<<63 {
			return math.MinInt64, true
		}
		return 0, false
	}

	return multiplyOffset(int64(a), b)
}

type cfiEvaluator struct {
	*Module
	*pointerDecoder

	fde *FrameDescriptionEntry

	// nil when replaying the CIE's initial instructions.
	initialRow *Row

	pc     uint64
	target uint64

	row   *Row
	saved []*Row
}

// evaluateCFI replays instructions against row until the location counter
// exceeds target, returning the resulting row.
func (module *Module) evaluateCFI(
	table *cfiTable,
	fde *FrameDescriptionEntry,
	initialRow *Row,
	target uint64,
	instructions []byte,
	instructionsOffset int,
	row *Row,
) (
	*Row,
	error,
) {
	eval := &cfiEvaluator{
		Module: module,
		pointerDecoder: table.decoder(
			module.ByteOrder(),
			fde.CommonInfoEntry,
			instructions,
			instructionsOffset),
		fde:        fde,
		initialRow: initialRow,
		pc:         fde.InitialLocation,
		target:     target,
		row:        row,
	}

	for !eval.HasReachedEnd() {
		done, err := eval.executeInstruction()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	return eval.row, nil
}

func (eval *cfiEvaluator) cie() *CommonInfoEntry {
	return eval.fde.CommonInfoEntry
}

func (eval *cfiEvaluator) offset() (int64, error) {
	start := eval.Position
	value, err := eval.ULEB128(64)
	if err != nil {
		return 0, err
	}
	if value > math.MaxInt64 {
		return 0, eval.errorAt(start, nil, "offset is too large")
	}
	return int64(value), nil
}

func (eval *cfiEvaluator) signedFactoredOffset() (int64, error) {
	start := eval.Position
	factored, err := eval.SLEB128(64)
	if err != nil {
		return 0, err
	}

	value, ok := multiplyOffset(factored, eval.cie().DataAlignmentFactor)
	if !ok {
		return 0, eval.errorAt(start, nil, "offset is too large")
	}
	return value, nil
}

func (eval *cfiEvaluator) factoredOffset() (int64, error) {
	start := eval.Position
	factored, err := eval.ULEB128(64)
	if err != nil {
		return 0, err
	}

	value, ok := multiplyUnsignedOffset(factored, eval.cie().DataAlignmentFactor)
	if !ok {
		return 0, eval.errorAt(start, nil, "offset is too large")
	}
	return value, nil
}

func (eval *cfiEvaluator) block() ([]byte, error) {
	size, err := eval.ULEB128(64)
	if err != nil {
		return nil, err
	}
	if size > uint64(eval.Remaining()) {
		return nil, eval.errorf("block is out of bounds")
	}
	return eval.Bytes(int(size))
}

func (eval *cfiEvaluator) registerNumber() (RegisterNumber, error) {
	dwarfRegno, err := eval.ULEB128(64)
	if err != nil {
		return UnknownRegister, err
	}
	return eval.RegisterNumber(dwarfRegno), nil
}

func (eval *cfiEvaluator) advanceLoc(delta uint64) (bool, error) {
	hi, scaled := bits.Mul64(delta, eval.cie().CodeAlignmentFactor)
	pc := eval.pc + scaled
	if hi != 0 || pc < eval.pc || pc > uintMax(eval.cie().AddressSize) {
		return false, eval.errorf("DW_CFA_advance_loc* overflows location")
	}

	eval.pc = pc
	return pc > eval.target, nil
}

func (eval *cfiEvaluator) setCFA(rule Rule) (bool, error) {
	eval.row.SetCFA(rule)
	return false, nil
}

func (eval *cfiEvaluator) setRegister(
	regno RegisterNumber,
	rule Rule,
) (
	bool,
	error,
) {
	if regno != UnknownRegister {
		eval.row.SetRegister(regno, rule)
	}
	return false, nil
}

func (eval *cfiEvaluator) registerPlusOffsetCFA(start int, name string) (Rule, error) {
	rule := eval.row.CFA()
	if rule.Kind != RegisterPlusOffsetRule {
		return Rule{}, eval.errorAt(
			start,
			nil,
			"%s with incompatible CFA rule",
			name)
	}
	return rule, nil
}

// executeInstruction returns true once the location counter has moved past
// the target.
func (eval *cfiEvaluator) executeInstruction() (bool, error) {
	start := eval.Position
	opCode, err := eval.U8()
	if err != nil {
		return false, err
	}

	primaryOpCode := opCode & 0xc0 // upper 2 bits
	opCodeArg := opCode & 0x3f     // lower 6 bits

	op := opCode
	if primaryOpCode != 0 {
		op = primaryOpCode
	}

	switch op {
	case DW_CFA_set_loc,
		DW_CFA_advance_loc,
		DW_CFA_advance_loc1,
		DW_CFA_advance_loc2,
		DW_CFA_advance_loc4,
		DW_CFA_restore,
		DW_CFA_restore_extended:

		if eval.initialRow == nil {
			return false, eval.errorAt(
				start,
				nil,
				"invalid initial DWARF CFI opcode %#x",
				opCode)
		}
	}

	switch op {
	case DW_CFA_set_loc:
		location, err := eval.encodedPointer(
			eval.cie().AddressEncoding,
			eval.fde.InitialLocation)
		if err != nil {
			return false, err
		}
		if location <= eval.pc {
			return false, eval.errorAt(
				start,
				nil,
				"DW_CFA_set_loc location is not greater than current location")
		}
		eval.pc = location
		return eval.pc > eval.target, nil
	case DW_CFA_advance_loc:
		return eval.advanceLoc(uint64(opCodeArg))
	case DW_CFA_advance_loc1:
		delta, err := eval.U8()
		if err != nil {
			return false, err
		}
		return eval.advanceLoc(uint64(delta))
	case DW_CFA_advance_loc2:
		delta, err := eval.U16()
		if err != nil {
			return false, err
		}
		return eval.advanceLoc(uint64(delta))
	case DW_CFA_advance_loc4:
		delta, err := eval.U32()
		if err != nil {
			return false, err
		}
		return eval.advanceLoc(uint64(delta))

	case DW_CFA_def_cfa, DW_CFA_def_cfa_sf:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		var offset int64
		if op == DW_CFA_def_cfa {
			offset, err = eval.offset()
		} else {
			offset, err = eval.signedFactoredOffset()
		}
		if err != nil {
			return false, err
		}

		if regno == UnknownRegister {
			return eval.setCFA(Rule{Kind: UndefinedRule})
		}
		return eval.setCFA(Rule{
			Kind:     RegisterPlusOffsetRule,
			Register: regno,
			Offset:   offset,
		})
	case DW_CFA_def_cfa_register:
		rule, err := eval.registerPlusOffsetCFA(start, "DW_CFA_def_cfa_register")
		if err != nil {
			return false, err
		}

		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		if regno == UnknownRegister {
			return eval.setCFA(Rule{Kind: UndefinedRule})
		}
		rule.Register = regno
		return eval.setCFA(rule)
	case DW_CFA_def_cfa_offset:
		rule, err := eval.registerPlusOffsetCFA(start, "DW_CFA_def_cfa_offset")
		if err != nil {
			return false, err
		}

		rule.Offset, err = eval.offset()
		if err != nil {
			return false, err
		}
		return eval.setCFA(rule)
	case DW_CFA_def_cfa_offset_sf:
		rule, err := eval.registerPlusOffsetCFA(start, "DW_CFA_def_cfa_offset_sf")
		if err != nil {
			return false, err
		}

		rule.Offset, err = eval.signedFactoredOffset()
		if err != nil {
			return false, err
		}
		return eval.setCFA(rule)
	case DW_CFA_def_cfa_expression:
		expression, err := eval.block()
		if err != nil {
			return false, err
		}
		return eval.setCFA(Rule{
			Kind:       ExpressionRule,
			Expression: expression,
		})

	case DW_CFA_undefined:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}
		return eval.setRegister(regno, Rule{Kind: UndefinedRule})
	case DW_CFA_same_value:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}
		return eval.setRegister(
			regno,
			Rule{
				Kind:     RegisterPlusOffsetRule,
				Register: regno,
			})
	case DW_CFA_offset:
		offset, err := eval.factoredOffset()
		if err != nil {
			return false, err
		}
		return eval.setRegister(
			eval.RegisterNumber(uint64(opCodeArg)),
			Rule{
				Kind:   AtCFAPlusOffsetRule,
				Offset: offset,
			})
	case DW_CFA_offset_extended, DW_CFA_val_offset:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		offset, err := eval.factoredOffset()
		if err != nil {
			return false, err
		}

		kind := AtCFAPlusOffsetRule
		if op == DW_CFA_val_offset {
			kind = CFAPlusOffsetRule
		}
		return eval.setRegister(regno, Rule{Kind: kind, Offset: offset})
	case DW_CFA_offset_extended_sf, DW_CFA_val_offset_sf:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		offset, err := eval.signedFactoredOffset()
		if err != nil {
			return false, err
		}

		kind := AtCFAPlusOffsetRule
		if op == DW_CFA_val_offset_sf {
			kind = CFAPlusOffsetRule
		}
		return eval.setRegister(regno, Rule{Kind: kind, Offset: offset})
	case DW_CFA_register:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		other, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		if other == UnknownRegister {
			return eval.setRegister(regno, Rule{Kind: UndefinedRule})
		}
		return eval.setRegister(
			regno,
			Rule{
				Kind:     RegisterPlusOffsetRule,
				Register: other,
			})
	case DW_CFA_expression, DW_CFA_val_expression:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}

		expression, err := eval.block()
		if err != nil {
			return false, err
		}

		kind := AtExpressionRule
		if op == DW_CFA_val_expression {
			kind = ExpressionRule
		}
		return eval.setRegister(
			regno,
			Rule{
				Kind:       kind,
				Expression: expression,
				PushCFA:    true,
			})
	case DW_CFA_restore:
		regno := eval.RegisterNumber(uint64(opCodeArg))
		return eval.setRegister(regno, eval.initialRow.Register(regno))
	case DW_CFA_restore_extended:
		regno, err := eval.registerNumber()
		if err != nil {
			return false, err
		}
		return eval.setRegister(regno, eval.initialRow.Register(regno))

	case DW_CFA_remember_state:
		eval.saved = append(eval.saved, eval.row.Clone())
		return false, nil
	case DW_CFA_restore_state:
		if len(eval.saved) == 0 {
			return false, eval.errorAt(
				start,
				nil,
				"DW_CFA_restore_state with empty state stack")
		}
		eval.row = eval.saved[len(eval.saved)-1]
		eval.saved = eval.saved[:len(eval.saved)-1]
		return false, nil

	case DW_CFA_nop:
		return false, nil
	}

	return false, eval.errorAt(start, nil, "unknown DWARF CFI opcode %#x", opCode)
}
