package dwarf

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/dwarfeval/memory"
)

type UnwindSuite struct{}

func TestUnwind(t *testing.T) {
	suite.RunTests(t, &UnwindSuite{})
}

func newStackMemory() *memory.Segments {
	stack := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(stack[0x00:], 0x401234) // return address
	binary.LittleEndian.PutUint64(stack[0x10:], 0x7fe0)   // saved frame pointer
	return newTestMemory(memory.Segment{Address: 0x7fe8, Content: stack})
}

func evaluateRule(
	t *testing.T,
	rule Rule,
	regs RegisterState,
	mem MemoryReader,
) (
	uint64,
	bool,
) {
	module := newTestModule(NewInMemorySections())

	out := make([]byte, 8)
	found, err := module.EvaluateRule(rule, regs, mem, out)
	expect.Nil(t, err)
	return binary.LittleEndian.Uint64(out), found
}

func (UnwindSuite) TestFindCFIRow(t *testing.T) {
	module := newCFIModule(1, cfaInstructions(), nil)

	row, info, found, err := module.FindCFIRow(0x1080)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, RegisterNumber(16), info.ReturnAddressRegister)
	expect.Equal(t, cfaRule(7, 8), row.CFA())

	_, _, found, err = module.FindCFIRow(0x2000)
	expect.Nil(t, err)
	expect.False(t, found)
}

func (UnwindSuite) TestSignalFrame(t *testing.T) {
	ehFrame := newBuilder()
	cie := appendEntry(
		ehFrame,
		newEhFrameCIE(
			"zRS",
			[]byte{DW_EH_PE_pcrel | DW_EH_PE_sdata4},
			cfaInstructions()))
	appendEhFrameFDE(ehFrame, cie, 0x1000, 0x10, nil)

	module := newFrameModule(nil, ehFrame.Content())

	_, info, found, err := module.FindCFIRow(0x1000)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.True(t, info.SignalFrame)
}

func (UnwindSuite) TestEvaluateCFA(t *testing.T) {
	module := newTestModule(NewInMemorySections())
	regs := newTestRegisters().with(7, 0x7fe8)

	row := NewRow()
	_, found, err := module.EvaluateCFA(row, regs, nil)
	expect.Nil(t, err)
	expect.False(t, found)

	row.SetCFA(cfaRule(7, 8))
	cfa, found, err := module.EvaluateCFA(row, regs, nil)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, uint64(0x7ff0), cfa)

	row.SetCFA(cfaRule(6, 8))
	_, found, err = module.EvaluateCFA(row, regs, nil)
	expect.Nil(t, err)
	expect.False(t, found)

	row.SetCFA(Rule{
		Kind:       ExpressionRule,
		Expression: newBuilder().Op(DW_OP_breg0 + 7).SLEB(16).Content(),
	})
	cfa, found, err = module.EvaluateCFA(row, regs, nil)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, uint64(0x7ff8), cfa)

	row.SetCFA(Rule{
		Kind:       ExpressionRule,
		Expression: newBuilder().Op(DW_OP_breg0 + 7).SLEB(16).Op(DW_OP_deref).Content(),
	})
	cfa, found, err = module.EvaluateCFA(row, regs, newStackMemory())
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, uint64(0x7fe0), cfa)

	row.SetCFA(atCFA(0))
	_, _, err = module.EvaluateCFA(row, regs, nil)
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (UnwindSuite) TestOffsetRules(t *testing.T) {
	regs := newTestRegisters().withCFA(0x7ff0)
	mem := newStackMemory()

	value, found := evaluateRule(t, atCFA(-8), regs, mem)
	expect.True(t, found)
	expect.Equal(t, uint64(0x401234), value)

	value, found = evaluateRule(
		t,
		Rule{Kind: CFAPlusOffsetRule, Offset: 16},
		regs,
		mem)
	expect.True(t, found)
	expect.Equal(t, uint64(0x8000), value)

	_, found = evaluateRule(t, atCFA(-8), newTestRegisters(), mem)
	expect.False(t, found)

	_, found = evaluateRule(t, undefined, regs, mem)
	expect.False(t, found)

	module := newTestModule(NewInMemorySections())
	out := make([]byte, 8)

	_, err := module.EvaluateRule(atCFA(-8), regs, nil, out)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = module.EvaluateRule(atCFA(0x100), regs, mem, out)
	expect.True(t, errors.Is(err, memory.ErrUnmapped))

	_, err = module.EvaluateRule(Rule{Kind: "bogus"}, regs, mem, out)
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (UnwindSuite) TestRegisterRule(t *testing.T) {
	regs := newTestRegisters().with(3, 0x1122334455667788).with(4, 0x100)

	value, found := evaluateRule(t, cfaRule(3, 0), regs, nil)
	expect.True(t, found)
	expect.Equal(t, uint64(0x1122334455667788), value)

	value, found = evaluateRule(t, cfaRule(4, 0x20), regs, nil)
	expect.True(t, found)
	expect.Equal(t, uint64(0x120), value)

	_, found = evaluateRule(t, cfaRule(5, 0), regs, nil)
	expect.False(t, found)

	_, found = evaluateRule(t, cfaRule(3, 0), nil, nil)
	expect.False(t, found)

	// Narrow destinations receive the least significant bytes.
	module := newTestModule(NewInMemorySections())
	out := make([]byte, 4)
	found, err := module.EvaluateRule(cfaRule(3, 0), regs, nil, out)
	expect.Nil(t, err)
	expect.True(t, found)
	expect.Equal(t, []byte{0x88, 0x77, 0x66, 0x55}, out)
}

func (UnwindSuite) TestExpressionRules(t *testing.T) {
	regs := newTestRegisters().withCFA(0x7ff0)
	mem := newStackMemory()

	minus8 := newBuilder().Op(DW_OP_lit0+8, DW_OP_minus).Content()

	value, found := evaluateRule(
		t,
		Rule{Kind: AtExpressionRule, Expression: minus8, PushCFA: true},
		regs,
		mem)
	expect.True(t, found)
	expect.Equal(t, uint64(0x401234), value)

	value, found = evaluateRule(
		t,
		Rule{Kind: ExpressionRule, Expression: minus8, PushCFA: true},
		regs,
		mem)
	expect.True(t, found)
	expect.Equal(t, uint64(0x7fe8), value)

	// No CFA to push
	_, found = evaluateRule(
		t,
		Rule{Kind: ExpressionRule, Expression: minus8, PushCFA: true},
		newTestRegisters(),
		mem)
	expect.False(t, found)

	// Empty stack
	_, found = evaluateRule(
		t,
		Rule{Kind: ExpressionRule},
		regs,
		mem)
	expect.False(t, found)
}

func (UnwindSuite) TestCFIExpressionErrors(t *testing.T) {
	module := newTestModule(NewInMemorySections())
	regs := newTestRegisters().withCFA(0x7ff0).with(3, 1)
	out := make([]byte, 8)

	_, err := module.EvaluateCFIExpression(
		Rule{
			Kind:       ExpressionRule,
			Expression: newBuilder().Op(DW_OP_reg0 + 3).Content(),
		},
		regs,
		nil,
		out)
	expect.Error(t, err, "invalid opcode 0x53 for CFI expression")

	_, err = module.EvaluateCFIExpression(
		Rule{
			Kind:       ExpressionRule,
			Expression: newBuilder().Op(DW_OP_addrx).ULEB(0).Content(),
		},
		regs,
		nil,
		out)
	expect.Error(t, err, "invalid opcode 0xa1 for CFI expression")

	_, err = module.EvaluateCFIExpression(
		Rule{
			Kind:       AtExpressionRule,
			Expression: newBuilder().Op(DW_OP_lit0).Content(),
		},
		regs,
		nil,
		out)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = module.EvaluateCFIExpression(
		Rule{
			Kind:       ExpressionRule,
			Expression: newBuilder().Op(DW_OP_skip).S16(-3).Content(),
		},
		regs,
		nil,
		out)
	expect.True(t, errors.Is(err, ErrTooManyOperations))
}
