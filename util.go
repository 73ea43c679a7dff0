package triheap

import (
	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// Alignment is the byte alignment every tier rounds sizes and offsets to.
const Alignment uint = 8

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether value falls on an alignment boundary.
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}
