package gpib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name  string
		board int
		unit  int
	}{
		{"gpib0,5", 0, 5},
		{"gpib0,0", 0, 0},
		{"gpib1,30", 1, 30},
		{"gpib12,7", 12, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.name)
			require.NoError(t, err)
			assert.Equal(t, Address{Board: tt.board, Unit: tt.unit}, addr)
			assert.Equal(t, tt.name, addr.String())
		})
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, name := range []string{"", "gpib0", "gpib,5", "inst0", "gpibA,5", "gpib0,5,1", "GPIB0,5", " gpib0,5", "gpib0,-1"} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAddress(name)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidAddress))
		})
	}
}

func TestBoardName(t *testing.T) {
	assert.Equal(t, "gpib0", BoardName(0))
	assert.Equal(t, "gpib3", BoardName(3))
}
