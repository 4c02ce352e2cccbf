package dwarf

import (
	"fmt"
)

// Only the tags which influence object construction are listed.  See dwarf 5
// table 7.3 for full list.
type Tag uint64

const (
	DW_TAG_formal_parameter         = Tag(0x05)
	DW_TAG_member                   = Tag(0x0d)
	DW_TAG_compile_unit             = Tag(0x11)
	DW_TAG_inlined_subroutine       = Tag(0x1d)
	DW_TAG_constant                 = Tag(0x27)
	DW_TAG_enumerator               = Tag(0x28)
	DW_TAG_subprogram               = Tag(0x2e)
	DW_TAG_template_value_parameter = Tag(0x30)
	DW_TAG_variable                 = Tag(0x34)
	DW_TAG_partial_unit             = Tag(0x3c)
)

func (tag Tag) String() string {
	switch tag {
	case DW_TAG_formal_parameter:
		return "DW_TAG_formal_parameter"
	case DW_TAG_member:
		return "DW_TAG_member"
	case DW_TAG_compile_unit:
		return "DW_TAG_compile_unit"
	case DW_TAG_inlined_subroutine:
		return "DW_TAG_inlined_subroutine"
	case DW_TAG_constant:
		return "DW_TAG_constant"
	case DW_TAG_enumerator:
		return "DW_TAG_enumerator"
	case DW_TAG_subprogram:
		return "DW_TAG_subprogram"
	case DW_TAG_template_value_parameter:
		return "DW_TAG_template_value_parameter"
	case DW_TAG_variable:
		return "DW_TAG_variable"
	case DW_TAG_partial_unit:
		return "DW_TAG_partial_unit"
	default:
		return fmt.Sprintf("DW_TAG_unknown_%d", tag)
	}
}
