package dwarf

import (
	"fmt"
)

// See dwarf 5 table 7.9 for full list
type Operation uint8

const (
	DW_OP_addr                = Operation(0x03)
	DW_OP_deref               = Operation(0x06)
	DW_OP_const1u             = Operation(0x08)
	DW_OP_const1s             = Operation(0x09)
	DW_OP_const2u             = Operation(0x0a)
	DW_OP_const2s             = Operation(0x0b)
	DW_OP_const4u             = Operation(0x0c)
	DW_OP_const4s             = Operation(0x0d)
	DW_OP_const8u             = Operation(0x0e)
	DW_OP_const8s             = Operation(0x0f)
	DW_OP_constu              = Operation(0x10)
	DW_OP_consts              = Operation(0x11)
	DW_OP_dup                 = Operation(0x12)
	DW_OP_drop                = Operation(0x13)
	DW_OP_over                = Operation(0x14)
	DW_OP_pick                = Operation(0x15)
	DW_OP_swap                = Operation(0x16)
	DW_OP_rot                 = Operation(0x17)
	DW_OP_xderef              = Operation(0x18)
	DW_OP_abs                 = Operation(0x19)
	DW_OP_and                 = Operation(0x1a)
	DW_OP_div                 = Operation(0x1b)
	DW_OP_minus               = Operation(0x1c)
	DW_OP_mod                 = Operation(0x1d)
	DW_OP_mul                 = Operation(0x1e)
	DW_OP_neg                 = Operation(0x1f)
	DW_OP_not                 = Operation(0x20)
	DW_OP_or                  = Operation(0x21)
	DW_OP_plus                = Operation(0x22)
	DW_OP_plus_uconst         = Operation(0x23)
	DW_OP_shl                 = Operation(0x24)
	DW_OP_shr                 = Operation(0x25)
	DW_OP_shra                = Operation(0x26)
	DW_OP_xor                 = Operation(0x27)
	DW_OP_bra                 = Operation(0x28)
	DW_OP_eq                  = Operation(0x29)
	DW_OP_ge                  = Operation(0x2a)
	DW_OP_gt                  = Operation(0x2b)
	DW_OP_le                  = Operation(0x2c)
	DW_OP_lt                  = Operation(0x2d)
	DW_OP_ne                  = Operation(0x2e)
	DW_OP_skip                = Operation(0x2f)
	DW_OP_lit0                = Operation(0x30)
	DW_OP_lit31               = Operation(0x4f)
	DW_OP_reg0                = Operation(0x50)
	DW_OP_reg31               = Operation(0x6f)
	DW_OP_breg0               = Operation(0x70)
	DW_OP_breg31              = Operation(0x8f)
	DW_OP_regx                = Operation(0x90)
	DW_OP_fbreg               = Operation(0x91)
	DW_OP_bregx               = Operation(0x92)
	DW_OP_piece               = Operation(0x93)
	DW_OP_deref_size          = Operation(0x94)
	DW_OP_xderef_size         = Operation(0x95)
	DW_OP_nop                 = Operation(0x96)
	DW_OP_push_object_address = Operation(0x97)
	DW_OP_call2               = Operation(0x98)
	DW_OP_call4               = Operation(0x99)
	DW_OP_call_ref            = Operation(0x9a)
	DW_OP_form_tls_address    = Operation(0x9b)
	DW_OP_call_frame_cfa      = Operation(0x9c)
	DW_OP_bit_piece           = Operation(0x9d)
	DW_OP_implicit_value      = Operation(0x9e)
	DW_OP_stack_value         = Operation(0x9f)

	// dwarf 5
	DW_OP_implicit_pointer = Operation(0xa0)
	DW_OP_addrx            = Operation(0xa1)
	DW_OP_constx           = Operation(0xa2)
	DW_OP_entry_value      = Operation(0xa3)
	DW_OP_const_type       = Operation(0xa4)
	DW_OP_regval_type      = Operation(0xa5)
	DW_OP_deref_type       = Operation(0xa6)
	DW_OP_xderef_type      = Operation(0xa7)
	DW_OP_convert          = Operation(0xa8)
	DW_OP_reinterpret      = Operation(0xa9)

	// gnu extensions
	DW_OP_GNU_push_tls_address = Operation(0xe0)
	DW_OP_GNU_implicit_pointer = Operation(0xf2)
	DW_OP_GNU_entry_value      = Operation(0xf3)
	DW_OP_GNU_const_type       = Operation(0xf4)
	DW_OP_GNU_regval_type      = Operation(0xf5)
	DW_OP_GNU_deref_type       = Operation(0xf6)
	DW_OP_GNU_convert          = Operation(0xf7)
	DW_OP_GNU_reinterpret      = Operation(0xf9)
	DW_OP_GNU_parameter_ref    = Operation(0xfa)
	DW_OP_GNU_addr_index       = Operation(0xfb)
	DW_OP_GNU_const_index      = Operation(0xfc)
	DW_OP_GNU_variable_value   = Operation(0xfd)

	DW_OP_lo_user = Operation(0xe0)
	DW_OP_hi_user = Operation(0xff)
)

var operationNames = map[Operation]string{
	DW_OP_addr:                 "DW_OP_addr",
	DW_OP_deref:                "DW_OP_deref",
	DW_OP_const1u:              "DW_OP_const1u",
	DW_OP_const1s:              "DW_OP_const1s",
	DW_OP_const2u:              "DW_OP_const2u",
	DW_OP_const2s:              "DW_OP_const2s",
	DW_OP_const4u:              "DW_OP_const4u",
	DW_OP_const4s:              "DW_OP_const4s",
	DW_OP_const8u:              "DW_OP_const8u",
	DW_OP_const8s:              "DW_OP_const8s",
	DW_OP_constu:               "DW_OP_constu",
	DW_OP_consts:               "DW_OP_consts",
	DW_OP_dup:                  "DW_OP_dup",
	DW_OP_drop:                 "DW_OP_drop",
	DW_OP_over:                 "DW_OP_over",
	DW_OP_pick:                 "DW_OP_pick",
	DW_OP_swap:                 "DW_OP_swap",
	DW_OP_rot:                  "DW_OP_rot",
	DW_OP_xderef:               "DW_OP_xderef",
	DW_OP_abs:                  "DW_OP_abs",
	DW_OP_and:                  "DW_OP_and",
	DW_OP_div:                  "DW_OP_div",
	DW_OP_minus:                "DW_OP_minus",
	DW_OP_mod:                  "DW_OP_mod",
	DW_OP_mul:                  "DW_OP_mul",
	DW_OP_neg:                  "DW_OP_neg",
	DW_OP_not:                  "DW_OP_not",
	DW_OP_or:                   "DW_OP_or",
	DW_OP_plus:                 "DW_OP_plus",
	DW_OP_plus_uconst:          "DW_OP_plus_uconst",
	DW_OP_shl:                  "DW_OP_shl",
	DW_OP_shr:                  "DW_OP_shr",
	DW_OP_shra:                 "DW_OP_shra",
	DW_OP_xor:                  "DW_OP_xor",
	DW_OP_bra:                  "DW_OP_bra",
	DW_OP_eq:                   "DW_OP_eq",
	DW_OP_ge:                   "DW_OP_ge",
	DW_OP_gt:                   "DW_OP_gt",
	DW_OP_le:                   "DW_OP_le",
	DW_OP_lt:                   "DW_OP_lt",
	DW_OP_ne:                   "DW_OP_ne",
	DW_OP_skip:                 "DW_OP_skip",
	DW_OP_regx:                 "DW_OP_regx",
	DW_OP_fbreg:                "DW_OP_fbreg",
	DW_OP_bregx:                "DW_OP_bregx",
	DW_OP_piece:                "DW_OP_piece",
	DW_OP_deref_size:           "DW_OP_deref_size",
	DW_OP_xderef_size:          "DW_OP_xderef_size",
	DW_OP_nop:                  "DW_OP_nop",
	DW_OP_push_object_address:  "DW_OP_push_object_address",
	DW_OP_call2:                "DW_OP_call2",
	DW_OP_call4:                "DW_OP_call4",
	DW_OP_call_ref:             "DW_OP_call_ref",
	DW_OP_form_tls_address:     "DW_OP_form_tls_address",
	DW_OP_call_frame_cfa:       "DW_OP_call_frame_cfa",
	DW_OP_bit_piece:            "DW_OP_bit_piece",
	DW_OP_implicit_value:       "DW_OP_implicit_value",
	DW_OP_stack_value:          "DW_OP_stack_value",
	DW_OP_implicit_pointer:     "DW_OP_implicit_pointer",
	DW_OP_addrx:                "DW_OP_addrx",
	DW_OP_constx:               "DW_OP_constx",
	DW_OP_entry_value:          "DW_OP_entry_value",
	DW_OP_const_type:           "DW_OP_const_type",
	DW_OP_regval_type:          "DW_OP_regval_type",
	DW_OP_deref_type:           "DW_OP_deref_type",
	DW_OP_xderef_type:          "DW_OP_xderef_type",
	DW_OP_convert:              "DW_OP_convert",
	DW_OP_reinterpret:          "DW_OP_reinterpret",
	DW_OP_GNU_push_tls_address: "DW_OP_GNU_push_tls_address",
	DW_OP_GNU_implicit_pointer: "DW_OP_GNU_implicit_pointer",
	DW_OP_GNU_entry_value:      "DW_OP_GNU_entry_value",
	DW_OP_GNU_const_type:       "DW_OP_GNU_const_type",
	DW_OP_GNU_regval_type:      "DW_OP_GNU_regval_type",
	DW_OP_GNU_deref_type:       "DW_OP_GNU_deref_type",
	DW_OP_GNU_convert:          "DW_OP_GNU_convert",
	DW_OP_GNU_reinterpret:      "DW_OP_GNU_reinterpret",
	DW_OP_GNU_parameter_ref:    "DW_OP_GNU_parameter_ref",
	DW_OP_GNU_addr_index:       "DW_OP_GNU_addr_index",
	DW_OP_GNU_const_index:      "DW_OP_GNU_const_index",
	DW_OP_GNU_variable_value:   "DW_OP_GNU_variable_value",
}

func (operation Operation) String() string {
	switch {
	case DW_OP_lit0 <= operation && operation <= DW_OP_lit31:
		return fmt.Sprintf("DW_OP_lit%d", operation-DW_OP_lit0)
	case DW_OP_reg0 <= operation && operation <= DW_OP_reg31:
		return fmt.Sprintf("DW_OP_reg%d", operation-DW_OP_reg0)
	case DW_OP_breg0 <= operation && operation <= DW_OP_breg31:
		return fmt.Sprintf("DW_OP_breg%d", operation-DW_OP_breg0)
	}

	name, ok := operationNames[operation]
	if !ok {
		return fmt.Sprintf("DW_OP_unknown_%#x", uint8(operation))
	}
	return name
}

// Operations that describe where a value lives rather than computing one.
// The expression evaluator stops before these and leaves them to its caller.
func (operation Operation) IsLocationDescription() bool {
	switch {
	case DW_OP_reg0 <= operation && operation <= DW_OP_reg31:
		return true
	}

	switch operation {
	case DW_OP_regx,
		DW_OP_implicit_value,
		DW_OP_stack_value,
		DW_OP_piece,
		DW_OP_bit_piece:
		return true
	}
	return false
}

// Recognized operations which are deliberately not evaluated.
func (operation Operation) IsUnsupported() bool {
	switch operation {
	case DW_OP_xderef,
		DW_OP_xderef_size,
		DW_OP_xderef_type,
		DW_OP_push_object_address,
		DW_OP_call2,
		DW_OP_call4,
		DW_OP_call_ref,
		DW_OP_form_tls_address,
		DW_OP_implicit_pointer,
		DW_OP_entry_value,
		DW_OP_const_type,
		DW_OP_regval_type,
		DW_OP_deref_type,
		DW_OP_convert,
		DW_OP_reinterpret,
		DW_OP_GNU_push_tls_address,
		DW_OP_GNU_implicit_pointer,
		DW_OP_GNU_entry_value,
		DW_OP_GNU_const_type,
		DW_OP_GNU_regval_type,
		DW_OP_GNU_deref_type,
		DW_OP_GNU_convert,
		DW_OP_GNU_reinterpret,
		DW_OP_GNU_parameter_ref,
		DW_OP_GNU_addr_index,
		DW_OP_GNU_const_index,
		DW_OP_GNU_variable_value:
		return true
	}
	return false
}
