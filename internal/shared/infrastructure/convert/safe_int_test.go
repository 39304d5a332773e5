package convert

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntToUint32(t *testing.T) {
	v, err := IntToUint32(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)

	_, err = IntToUint32(-1)
	assert.Error(t, err)

	_, err = IntToUint32(math.MaxUint32 + 1)
	assert.Error(t, err)
}

func TestIntToUint32Clamped(t *testing.T) {
	tests := []struct {
		name  string
		v     int
		floor uint32
		want  uint32
	}{
		{name: "in range", v: 7, floor: 1, want: 7},
		{name: "zero uses min", v: 0, floor: 1, want: 1},
		{name: "negative uses min", v: -3, floor: 1, want: 1},
		{name: "overflow clamps", v: math.MaxUint32 + 10, floor: 1, want: math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IntToUint32Clamped(tt.v, tt.floor))
		})
	}
}

func TestInt64ToInt(t *testing.T) {
	assert.Equal(t, 42, Int64ToInt(42))
	assert.Equal(t, -42, Int64ToInt(-42))
}
