package attribution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

func TestIntervalEnergy_WrapVectors(t *testing.T) {
	cases := []struct {
		name          string
		e1, e2        topology.EnergyRecord
		wantDelta     uint64
		wantMicrowatt float64
	}{
		{
			// round-trip law: E1 = M-10, E2 = 5 => ΔE = (M-(M-10))+5+1 = 16,
			// independent of M's actual value, per spec §8.
			name:          "round-trip law E1=M-10 E2=5 yields delta 16",
			e1:            topology.EnergyRecord{Value: 990, MaxValue: 1000, Timestamp: time.Unix(0, 0)},
			e2:            topology.EnergyRecord{Value: 5, MaxValue: 1000, Timestamp: time.Unix(1, 0)},
			wantDelta:     16,
			wantMicrowatt: 16,
		},
		{
			// Scenario A: a 16384-wide counter (values 0..16383, MaxValue
			// 16383) wraps from 16380 to 20 one second later; §8 requires
			// exactly 24 microjoules / 24 microwatts, not an approximation.
			name:          "scenario A width 16384 16380 to 20 yields delta 24",
			e1:            topology.EnergyRecord{Value: 16380, MaxValue: 16383, Timestamp: time.Unix(0, 0)},
			e2:            topology.EnergyRecord{Value: 20, MaxValue: 16383, Timestamp: time.Unix(1, 0)},
			wantDelta:     24,
			wantMicrowatt: 24,
		},
		{
			// single-tick wrap: counter rolls from its max value back to 0.
			name:          "wraps exactly at the ceiling",
			e1:            topology.EnergyRecord{Value: 65535, MaxValue: 65535, Timestamp: time.Unix(0, 0)},
			e2:            topology.EnergyRecord{Value: 0, MaxValue: 65535, Timestamp: time.Unix(1, 0)},
			wantDelta:     1,
			wantMicrowatt: 1,
		},
		{
			// non-wrapping case, included as a control alongside the wrap
			// vectors above: a plain forward difference.
			name:          "non-wrapping plain difference",
			e1:            topology.EnergyRecord{Value: 100, MaxValue: 1000, Timestamp: time.Unix(0, 0)},
			e2:            topology.EnergyRecord{Value: 130, MaxValue: 1000, Timestamp: time.Unix(1, 0)},
			wantDelta:     30,
			wantMicrowatt: 30,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delta, err := intervalEnergy(tc.e1, tc.e2, DefaultMaxPlausiblePowerWatts)
			require.NoError(t, err)
			assert.EqualValues(t, tc.wantDelta, delta)

			power := intervalPower(delta, tc.e1.Timestamp, tc.e2.Timestamp)
			assert.EqualValues(t, tc.wantMicrowatt, power)

			// IntervalEnergy is the exported wrapper pkg/bridge relies on;
			// pin that it computes the identical value.
			exported, err := IntervalEnergy(tc.e1, tc.e2, DefaultMaxPlausiblePowerWatts)
			require.NoError(t, err)
			assert.Equal(t, delta, exported)
		})
	}
}

func TestIntervalEnergy_WrapWithoutKnownMaxValueIsImplausible(t *testing.T) {
	e1 := topology.EnergyRecord{Value: 10, MaxValue: 0, Timestamp: time.Unix(0, 0)}
	e2 := topology.EnergyRecord{Value: 5, MaxValue: 0, Timestamp: time.Unix(1, 0)}

	_, err := intervalEnergy(e1, e2, DefaultMaxPlausiblePowerWatts)
	assert.Error(t, err)
}
