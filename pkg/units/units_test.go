package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytes_Humanized(t *testing.T) {
	cases := []struct {
		in   Bytes
		want string
	}{
		{500, "500 B"},
		{2048, "2.00 KB"},
		{5 * 1 << 20, "5.00 MB"},
		{3 * 1 << 30, "3.00 GB"},
		{2 * 1 << 40, "2.00 TB"},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, tt.in.Humanized())
	}
}

func TestMicrojoules_Joules(t *testing.T) {
	assert.InDelta(t, 1.5, Microjoules(1_500_000).Joules(), 1e-9)
}

func TestMicrowatts_Watts(t *testing.T) {
	assert.InDelta(t, 0.024, Microwatts(24000).Watts(), 1e-9)
}
