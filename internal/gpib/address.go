package gpib

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidAddress is returned when a device name is not of the form gpib<board>,<unit>.
var ErrInvalidAddress = errors.New("invalid gpib address")

var addressPattern = regexp.MustCompile(`^gpib(\d+),(\d+)$`)

// Address identifies one device on a board.
type Address struct {
	Board int
	Unit  int
}

func (a Address) String() string {
	return fmt.Sprintf("gpib%d,%d", a.Board, a.Unit)
}

// ParseAddress extracts board and unit from a device name such as "gpib0,5".
func ParseAddress(name string) (Address, error) {
	m := addressPattern.FindStringSubmatch(name)
	if m == nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, name)
	}

	board, err := strconv.Atoi(m[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: board %q: %v", ErrInvalidAddress, m[1], err)
	}
	unit, err := strconv.Atoi(m[2])
	if err != nil {
		return Address{}, fmt.Errorf("%w: unit %q: %v", ErrInvalidAddress, m[2], err)
	}

	return Address{Board: board, Unit: unit}, nil
}

// BoardName is the root device name of a board, e.g. "gpib0".
func BoardName(board int) string {
	return fmt.Sprintf("gpib%d", board)
}
