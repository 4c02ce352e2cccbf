package main

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/op"

	"github.com/pattyshack/dwarfeval/arch"
	"github.com/pattyshack/dwarfeval/dwarf"
)

func parseAddress(value string) (uint64, error) {
	address, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", value)
	}
	return address, nil
}

func archOf(module *dwarf.Module) (*arch.Architecture, error) {
	architecture, ok := module.Platform.(*arch.Architecture)
	if !ok {
		return nil, fmt.Errorf("unsupported platform %s", module.Platform.Name())
	}
	return architecture, nil
}

func formatExpression(architecture *arch.Architecture, expression []byte) string {
	buffer := &bytes.Buffer{}
	op.PrettyPrint(
		buffer,
		expression,
		func(dwarfRegno uint64) string {
			regno := architecture.RegisterNumber(dwarfRegno)
			if regno == dwarf.UnknownRegister {
				return ""
			}
			return architecture.RegisterName(regno)
		})
	return strings.TrimSpace(buffer.String())
}

func formatRule(architecture *arch.Architecture, rule dwarf.Rule) string {
	switch rule.Kind {
	case dwarf.UndefinedRule:
		return "undefined"
	case dwarf.AtCFAPlusOffsetRule:
		return fmt.Sprintf("[cfa%+d]", rule.Offset)
	case dwarf.CFAPlusOffsetRule:
		return fmt.Sprintf("cfa%+d", rule.Offset)
	case dwarf.RegisterPlusOffsetRule:
		name := architecture.RegisterName(rule.Register)
		if rule.Offset == 0 {
			return name
		}
		return fmt.Sprintf("%s%+d", name, rule.Offset)
	case dwarf.AtExpressionRule:
		return fmt.Sprintf("[%s]", formatExpression(architecture, rule.Expression))
	case dwarf.ExpressionRule:
		return fmt.Sprintf("(%s)", formatExpression(architecture, rule.Expression))
	}
	return string(rule.Kind)
}

func formatObject(architecture *arch.Architecture, object dwarf.Object) string {
	switch object.Kind {
	case dwarf.AbsentObject:
		return "<optimized out>"
	case dwarf.ReferenceObject:
		if object.BitOffset != 0 {
			return fmt.Sprintf("@%#x (bit %d)", object.Address, object.BitOffset)
		}
		return fmt.Sprintf("@%#x", object.Address)
	}

	byteOrder := architecture.ByteOrder()
	switch object.Encoding {
	case dwarf.SignedEncoding:
		return strconv.FormatInt(object.Signed(byteOrder), 10)
	case dwarf.UnsignedEncoding:
		return strconv.FormatUint(object.Unsigned(byteOrder), 10)
	case dwarf.FloatEncoding:
		switch len(object.Value) {
		case 4:
			value := math.Float32frombits(byteOrder.Uint32(object.Value))
			return strconv.FormatFloat(float64(value), 'g', -1, 32)
		case 8:
			value := math.Float64frombits(byteOrder.Uint64(object.Value))
			return strconv.FormatFloat(value, 'g', -1, 64)
		}
	}
	return fmt.Sprintf("% x", object.Value)
}
