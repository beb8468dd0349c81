package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPairingCode(t *testing.T) {
	generated, err := GenerateHex(16)
	assert.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"generated code", generated, true},
		{"fixed code", "0123456789abcdef0123456789abcdef", true},
		{"empty", "", false},
		{"too short", "deadbeef", false},
		{"uppercase", "0123456789ABCDEF0123456789ABCDEF", false},
		{"non hex", "zz23456789abcdef0123456789abcdef", false},
		{"too long", generated + "0", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPairingCode(tc.input))
		})
	}
}
