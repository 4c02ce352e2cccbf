package elfmodule

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

type Symbol struct {
	elf.Symbol

	DemangledName string // human readable c++ / rust name

	Dynamic bool // from .dynsym
}

func (symbol *Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}

	return symbol.Name
}

func (symbol *Symbol) Type() elf.SymType {
	return elf.ST_TYPE(symbol.Info)
}

// AddressRange returns the symbol's unbiased [start, end) range.  Undefined,
// unnamed and thread local symbols have no range.
func (symbol *Symbol) AddressRange() (uint64, uint64, bool) {
	if symbol.Value == 0 ||
		symbol.Name == "" ||
		symbol.Type() == elf.STT_TLS {

		return 0, 0, false
	}

	return symbol.Value, symbol.Value + symbol.Size, true
}

// Symbols is the union of an elf file's .symtab and .dynsym, ordered by
// address.
type Symbols struct {
	symbols []*Symbol
}

func NewSymbols(file *elf.File) (*Symbols, error) {
	static, err := file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read symbol table: %w", err)
	}

	dynamic, err := file.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read dynamic symbol table: %w", err)
	}

	type key struct {
		name  string
		value uint64
	}
	seen := map[key]struct{}{}

	symbols := &Symbols{}
	add := func(entries []elf.Symbol, isDynamic bool) {
		for _, entry := range entries {
			k := key{entry.Name, entry.Value}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}

			symbol := &Symbol{
				Symbol:  entry,
				Dynamic: isDynamic,
			}

			val, err := demangle.ToString(entry.Name)
			if err == nil {
				symbol.DemangledName = val
			}

			symbols.symbols = append(symbols.symbols, symbol)
		}
	}
	add(static, false)
	add(dynamic, true)

	sort.SliceStable(
		symbols.symbols,
		func(i int, j int) bool {
			return symbols.symbols[i].Value < symbols.symbols[j].Value
		})

	return symbols, nil
}

func (symbols *Symbols) All() []*Symbol {
	return symbols.symbols
}

func (symbols *Symbols) SymbolsByName(name string) []*Symbol {
	result := []*Symbol{}
	for _, symbol := range symbols.symbols {
		if symbol.Name == name || symbol.DemangledName == name {
			result = append(result, symbol)
		}
	}
	return result
}

// SymbolAt returns the symbol starting at the unbiased address.
func (symbols *Symbols) SymbolAt(address uint64) *Symbol {
	idx := sort.Search(
		len(symbols.symbols),
		func(i int) bool { return symbols.symbols[i].Value >= address })

	for ; idx < len(symbols.symbols); idx++ {
		symbol := symbols.symbols[idx]
		if symbol.Value != address {
			break
		}

		_, _, ok := symbol.AddressRange()
		if ok {
			return symbol
		}
	}

	return nil
}

// SymbolSpans returns the symbol whose range covers the unbiased address.
// When ranges overlap, the symbol starting closest to the address wins.
func (symbols *Symbols) SymbolSpans(address uint64) *Symbol {
	idx := sort.Search(
		len(symbols.symbols),
		func(i int) bool { return symbols.symbols[i].Value > address })

	for idx--; idx >= 0; idx-- {
		symbol := symbols.symbols[idx]
		low, high, ok := symbol.AddressRange()
		if ok && low <= address && address < high {
			return symbol
		}
	}

	return nil
}
