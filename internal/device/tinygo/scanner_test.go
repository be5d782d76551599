package tinygo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"tinygo.org/x/bluetooth"
)

func TestToUUID(t *testing.T) {
	tests := []struct {
		in   string
		want bluetooth.UUID
	}{
		{in: "180D", want: bluetooth.New16BitUUID(0x180d)},
		{in: "0x2a37", want: bluetooth.New16BitUUID(0x2a37)},
		{in: "0000180d-0000-1000-8000-00805f9b34fb", want: bluetooth.New16BitUUID(0x180d)},
		{in: "12345678", want: bluetooth.New32BitUUID(0x12345678)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := toUUID(tt.in)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	full, ok := toUUID("FB005C80-02E7-F387-1CAD-8ACD2D8DF0C8")
	assert.True(t, ok)
	assert.Equal(t, "fb005c80-02e7-f387-1cad-8acd2d8df0c8", full.String())

	_, ok = toUUID("not-a-uuid")
	assert.False(t, ok, "invalid UUID MUST be rejected")
}
