package dwarf

import (
	"fmt"
)

var (
	ErrSectionNotFound   = fmt.Errorf("section not found")
	ErrTooManyOperations = fmt.Errorf("DWARF expression executed too many operations")
	ErrUnsupported       = fmt.Errorf("unsupported")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
)
