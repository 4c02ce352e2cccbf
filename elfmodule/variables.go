package elfmodule

import (
	stddwarf "debug/dwarf"
	"errors"
	"fmt"

	"github.com/pattyshack/dwarfeval/dwarf"
)

// Variable is a variable, parameter or constant visible at some pc.
type Variable struct {
	Name     string
	TypeName string
	Type     dwarf.ObjectType

	Parameter bool
	Global    bool

	Entry *dwarf.ObjectEntry
}

func (variable *Variable) Object(
	regs dwarf.RegisterState,
	memory dwarf.MemoryReader,
) (
	dwarf.Object,
	error,
) {
	return variable.Entry.Object(variable.Type, regs, memory)
}

// Variables returns the variables in scope at the loaded pc, innermost
// scope last.  Variables of the enclosing compile unit are included as
// globals.  A pc without debug info has no variables.
func (loaded *LoadedFile) Variables(pc uint64) ([]*Variable, error) {
	data, ok, err := loaded.DebugInfo()
	if err != nil || !ok {
		return nil, err
	}

	reader := data.Reader()
	root, err := reader.SeekPC(pc - loaded.Module.Bias)
	if err != nil {
		if errors.Is(err, stddwarf.ErrUnknownPC) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find compile unit: %w", err)
	}

	unit, err := loaded.compileUnit(root)
	if err != nil {
		return nil, err
	}

	walker := &variableWalker{
		data:   data,
		reader: reader,
		unit:   unit,
		pc:     pc - loaded.Module.Bias,
	}

	if root.Children {
		err = walker.walkChildren(nil)
		if err != nil {
			return nil, err
		}
	}

	return walker.variables, nil
}

type variableWalker struct {
	data   *stddwarf.Data
	reader *stddwarf.Reader
	unit   *dwarf.CompileUnit

	pc uint64

	variables []*Variable
}

// walkChildren consumes the children of the last entry returned by the
// reader.
func (walker *variableWalker) walkChildren(function *dwarf.FunctionEntry) error {
	for {
		entry, err := walker.reader.Next()
		if err != nil {
			return err
		}
		if entry == nil || entry.Tag == 0 {
			return nil
		}

		descended := false
		switch entry.Tag {
		case stddwarf.TagVariable,
			stddwarf.TagFormalParameter,
			stddwarf.TagConstant:

			err = walker.addVariable(entry, function)
		case stddwarf.TagSubprogram,
			stddwarf.TagLexDwarfBlock,
			stddwarf.TagInlinedSubroutine:

			descended, err = walker.walkScope(entry, function)
		}
		if err != nil {
			return err
		}

		if entry.Children && !descended {
			walker.reader.SkipChildren()
		}
	}
}

func (walker *variableWalker) walkScope(
	entry *stddwarf.Entry,
	function *dwarf.FunctionEntry,
) (
	bool,
	error,
) {
	if !entry.Children {
		return false, nil
	}

	ranges, err := walker.data.Ranges(entry)
	if err != nil {
		return false, fmt.Errorf(
			"failed to read ranges of entry %#x: %w",
			entry.Offset,
			err)
	}

	contains := false
	for _, pcRange := range ranges {
		if pcRange[0] <= walker.pc && walker.pc < pcRange[1] {
			contains = true
			break
		}
	}
	if !contains {
		return false, nil
	}

	// Inlined subroutines share the frame base of the concrete subprogram.
	if entry.Tag == stddwarf.TagSubprogram {
		frameBase, err := locationAttribute(entry.AttrField(stddwarf.AttrFrameBase))
		if err != nil {
			return false, err
		}

		function = &dwarf.FunctionEntry{
			Unit:      walker.unit,
			FrameBase: frameBase,
		}
	}

	return true, walker.walkChildren(function)
}

func (walker *variableWalker) entryAt(offset stddwarf.Offset) (*stddwarf.Entry, error) {
	reader := walker.data.Reader()
	reader.Seek(offset)

	entry, err := reader.Next()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("no entry at %#x", offset)
	}
	return entry, nil
}

func (walker *variableWalker) addVariable(
	entry *stddwarf.Entry,
	function *dwarf.FunctionEntry,
) error {
	name, _ := entry.Val(stddwarf.AttrName).(string)
	typeOffset, hasType := entry.Val(stddwarf.AttrType).(stddwarf.Offset)

	origin, ok := entry.Val(stddwarf.AttrAbstractOrigin).(stddwarf.Offset)
	if ok {
		originEntry, err := walker.entryAt(origin)
		if err != nil {
			return fmt.Errorf(
				"failed to read abstract origin of entry %#x: %w",
				entry.Offset,
				err)
		}

		if name == "" {
			name, _ = originEntry.Val(stddwarf.AttrName).(string)
		}
		if !hasType {
			typeOffset, hasType = originEntry.Val(stddwarf.AttrType).(stddwarf.Offset)
		}
	}

	location, err := locationAttribute(entry.AttrField(stddwarf.AttrLocation))
	if err != nil {
		return err
	}

	variable := &Variable{
		Name:      name,
		Type:      dwarf.ObjectType{Encoding: dwarf.BufferEncoding},
		Parameter: entry.Tag == stddwarf.TagFormalParameter,
		Global:    function == nil,
		Entry: &dwarf.ObjectEntry{
			Tag:        dwarf.Tag(entry.Tag),
			Location:   location,
			ConstValue: constValue(entry.AttrField(stddwarf.AttrConstValue)),
			Unit:       walker.unit,
			Function:   function,
		},
	}

	if hasType {
		typ, err := walker.data.Type(typeOffset)
		if err != nil {
			return fmt.Errorf("failed to read type of %s: %w", name, err)
		}

		variable.TypeName = typ.String()
		variable.Type = objectType(typ)
	}

	walker.variables = append(walker.variables, variable)
	return nil
}

func locationAttribute(
	field *stddwarf.Field,
) (
	*dwarf.LocationAttribute,
	error,
) {
	if field == nil {
		return nil, nil
	}

	switch field.Class {
	case stddwarf.ClassExprLoc, stddwarf.ClassBlock:
		expression, _ := field.Val.([]byte)
		return dwarf.ExpressionLocation(expression), nil
	case stddwarf.ClassLocListPtr:
		offset, ok := offsetValue(field.Val)
		if ok {
			return &dwarf.LocationAttribute{
				Form:   dwarf.DW_FORM_sec_offset,
				Offset: offset,
			}, nil
		}
	case stddwarf.ClassLocList:
		index, ok := offsetValue(field.Val)
		if ok {
			return &dwarf.LocationAttribute{
				Form:   dwarf.DW_FORM_loclistx,
				Offset: index,
			}, nil
		}
	}

	return nil, fmt.Errorf(
		"unsupported %s class (%s)",
		field.Attr,
		field.Class)
}

func constValue(field *stddwarf.Field) *dwarf.ConstValue {
	if field == nil {
		return nil
	}

	switch val := field.Val.(type) {
	case int64:
		return &dwarf.ConstValue{Form: dwarf.DW_FORM_sdata, Value: val}
	case uint64:
		return &dwarf.ConstValue{Form: dwarf.DW_FORM_udata, Value: int64(val)}
	case []byte:
		return &dwarf.ConstValue{Form: dwarf.DW_FORM_block, Block: val}
	case string:
		return &dwarf.ConstValue{Form: dwarf.DW_FORM_string, Block: []byte(val)}
	}

	return nil
}

// objectType maps a debug/dwarf type onto the object assembler's view of
// it.  Typedefs and qualifiers are looked through.
func objectType(typ stddwarf.Type) dwarf.ObjectType {
	for typ != nil {
		switch t := typ.(type) {
		case *stddwarf.TypedefType:
			typ = t.Type
			continue
		case *stddwarf.QualType:
			typ = t.Type
			continue
		}
		break
	}

	result := dwarf.ObjectType{Encoding: dwarf.BufferEncoding}
	if typ == nil {
		return result
	}

	if size := typ.Size(); size > 0 {
		result.BitSize = uint64(size) * 8
	}

	switch typ.(type) {
	case *stddwarf.IntType, *stddwarf.CharType, *stddwarf.EnumType:
		result.Encoding = dwarf.SignedEncoding
	case *stddwarf.UintType,
		*stddwarf.UcharType,
		*stddwarf.BoolType,
		*stddwarf.AddrType,
		*stddwarf.PtrType:
		result.Encoding = dwarf.UnsignedEncoding
	case *stddwarf.FloatType:
		result.Encoding = dwarf.FloatEncoding
	}

	basic, ok := typ.(interface{ Basic() *stddwarf.BasicType })
	if ok && basic.Basic().BitSize > 0 {
		result.BitSize = uint64(basic.Basic().BitSize)
	}

	return result
}
