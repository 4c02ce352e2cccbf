package elfmodule

import (
	"debug/elf"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"
)

type SymbolsSuite struct{}

func TestSymbols(t *testing.T) {
	suite.RunTests(t, &SymbolsSuite{})
}

func function(name string, value uint64, size uint64) elf.Symbol {
	return elf.Symbol{
		Name:    name,
		Info:    elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
		Section: 1,
		Value:   value,
		Size:    size,
	}
}

func newSymbolsFile(t *testing.T) *File {
	return newTestELF(elf.EM_X86_64).
		progbits(".text", 0x1000, make([]byte, 0x200)).
		symbols(
			function("main", 0x1000, 0x40),
			function("_ZN3foo3barEv", 0x1040, 0x20),
			function("inner", 0x1048, 0x8),
			elf.Symbol{
				Name:    "tls_counter",
				Info:    elf.ST_INFO(elf.STB_GLOBAL, elf.STT_TLS),
				Section: 1,
				Value:   0x1100,
				Size:    8,
			},
			function("undefined", 0, 0)).
		open(t)
}

func (SymbolsSuite) TestDemangle(t *testing.T) {
	symbols := newSymbolsFile(t).Symbols

	matches := symbols.SymbolsByName("foo::bar()")
	expect.Equal(t, 1, len(matches))
	expect.Equal(t, "_ZN3foo3barEv", matches[0].Name)
	expect.Equal(t, "foo::bar()", matches[0].PrettyName())
	expect.False(t, matches[0].Dynamic)

	matches = symbols.SymbolsByName("_ZN3foo3barEv")
	expect.Equal(t, 1, len(matches))

	matches = symbols.SymbolsByName("main")
	expect.Equal(t, 1, len(matches))
	expect.Equal(t, "", matches[0].DemangledName)
	expect.Equal(t, "main", matches[0].PrettyName())

	expect.Equal(t, 0, len(symbols.SymbolsByName("missing")))
}

func (SymbolsSuite) TestSymbolAt(t *testing.T) {
	symbols := newSymbolsFile(t).Symbols

	symbol := symbols.SymbolAt(0x1040)
	expect.NotNil(t, symbol)
	expect.Equal(t, "foo::bar()", symbol.PrettyName())

	expect.Nil(t, symbols.SymbolAt(0x1044))
	expect.Nil(t, symbols.SymbolAt(0x1100)) // thread local
	expect.Nil(t, symbols.SymbolAt(0))
}

func (SymbolsSuite) TestSymbolSpans(t *testing.T) {
	symbols := newSymbolsFile(t).Symbols

	expect.Equal(t, "main", symbols.SymbolSpans(0x1000).Name)
	expect.Equal(t, "main", symbols.SymbolSpans(0x103f).Name)
	expect.Equal(t, "_ZN3foo3barEv", symbols.SymbolSpans(0x1044).Name)

	// Overlapping symbols resolve to the closest start.
	expect.Equal(t, "inner", symbols.SymbolSpans(0x104a).Name)
	expect.Equal(t, "_ZN3foo3barEv", symbols.SymbolSpans(0x1050).Name)

	expect.Nil(t, symbols.SymbolSpans(0x1060))
	expect.Nil(t, symbols.SymbolSpans(0x1104))
	expect.Nil(t, symbols.SymbolSpans(0x10))
}

func (SymbolsSuite) TestLoadedSymbolSpans(t *testing.T) {
	loaded := newSymbolsFile(t).Load(0x7f0000000000, zerolog.Nop())

	symbol := loaded.SymbolSpans(0x7f0000001004)
	expect.NotNil(t, symbol)
	expect.Equal(t, "main", symbol.Name)

	expect.Nil(t, loaded.SymbolSpans(0x1004))
}

func (SymbolsSuite) TestNoSymbols(t *testing.T) {
	file := newTestELF(elf.EM_X86_64).
		progbits(".text", 0x1000, make([]byte, 0x10)).
		open(t)

	expect.Equal(t, 0, len(file.Symbols.All()))
	expect.Nil(t, file.Symbols.SymbolSpans(0x1000))
}
