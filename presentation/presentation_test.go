package presentation

import (
	"testing"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/stretchr/testify/assert"
)

func TestVolumePercentage(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		capacity  int64
		available int64
		expected  int
		low       bool
	}
	cases := []testCase{
		{capacity: 20000, available: 18500, expected: 93, low: false},
		{capacity: 20000, available: 20000, expected: 100, low: false},
		{capacity: 1000, available: 100, expected: 10, low: false},
		{capacity: 1000, available: 94, expected: 9, low: true},
		{capacity: 1000, available: 96, expected: 10, low: false},
		{capacity: 1000, available: 0, expected: 0, low: true},
		{capacity: 0, available: 0, expected: 0, low: true},
		{capacity: 0, available: 500, expected: 0, low: true},
	}
	for _, oneCase := range cases {
		tap := common.Tap{ID: 1, KegCapacityMl: oneCase.capacity, CurrentVolumeAvailableMl: oneCase.available}
		assert.Equal(oneCase.expected, VolumePercentage(tap), "%+v", oneCase)
		assert.Equal(oneCase.low, IsLowKeg(tap), "%+v", oneCase)
	}

	tap := common.Tap{KegCapacityMl: 1000, CurrentVolumeAvailableMl: 200}
	assert.True(IsLowKegAt(tap, 25))
	assert.False(IsLowKegAt(tap, 20))
}

func TestLiters(t *testing.T) {
	assert := assert.New(t)

	tap := common.Tap{KegCapacityMl: 30000, CurrentVolumeAvailableMl: 18550}
	assert.InDelta(18.6, AvailableLiters(tap), 1e-9)
	assert.Equal(int64(30), TotalLiters(tap))

	tap = common.Tap{KegCapacityMl: 0, CurrentVolumeAvailableMl: 0}
	assert.InDelta(0.0, AvailableLiters(tap), 1e-9)
	assert.Equal(int64(0), TotalLiters(tap))

	tap = common.Tap{KegCapacityMl: 20500, CurrentVolumeAvailableMl: 40}
	assert.InDelta(0.0, AvailableLiters(tap), 1e-9)
	assert.Equal(int64(21), TotalLiters(tap))
}

func TestFormatLastPour(t *testing.T) {
	assert := assert.New(t)

	loc, err := common.LoadLocation("America/Sao_Paulo")
	assert.Nil(err)

	assert.Equal(NoPourRecord, FormatLastPour(nil, loc))

	pour := &common.LastPour{
		Datetime: time.Date(2025, 7, 3, 4, 30, 0, 0, time.UTC), PourVolumeMl: 500,
	}
	assert.Equal("01:30 - 500ml", FormatLastPour(pour, loc))
	assert.Equal("04:30 - 500ml", FormatLastPour(pour, nil))
}

func TestDerive(t *testing.T) {
	assert := assert.New(t)

	loc, err := common.LoadLocation("")
	assert.Nil(err)

	taps := []common.Tap{
		{
			ID: 7, Name: "IPA", KegCapacityMl: 20000, CurrentVolumeAvailableMl: 18500,
			LastPourEvent: &common.LastPour{
				Datetime: time.Date(2025, 8, 15, 20, 58, 18, 0, time.UTC), PourVolumeMl: 500,
			},
		},
		{ID: 8},
	}
	views := DeriveAll(taps, Options{Location: loc})
	assert.Len(views, 2)
	assert.Equal(TapView{
		ID: 7, Name: "IPA", VolumePercentage: 93, IsLowKeg: false,
		AvailableLiters: 18.5, TotalLiters: 20, LastPour: "17:58 - 500ml",
	}, views[0])
	assert.Equal(TapView{ID: 8, VolumePercentage: 0, IsLowKeg: true, LastPour: NoPourRecord}, views[1])

	// Deterministic
	assert.Equal(views[0], Derive(taps[0], Options{Location: loc}))
}

func TestDeriveLowKegThreshold(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(10, ThresholdPercentage(0.10))
	assert.Equal(20, ThresholdPercentage(0.20))
	assert.Equal(LowKegPercentage, ThresholdPercentage(0))

	tap := common.Tap{ID: 3, KegCapacityMl: 1000, CurrentVolumeAvailableMl: 150}

	// Case 0: default threshold
	assert.False(Derive(tap, Options{}).IsLowKeg)
	assert.False(Derive(tap, OptionsFromThreshold(time.UTC, 0.10)).IsLowKeg)

	// Case 1: raised threshold
	{
		opts := OptionsFromThreshold(time.UTC, 0.20)
		assert.Equal(20, opts.LowKegPercentage)
		assert.True(Derive(tap, opts).IsLowKeg)
		views := DeriveAll([]common.Tap{tap, {ID: 4, KegCapacityMl: 1000, CurrentVolumeAvailableMl: 200}}, opts)
		assert.True(views[0].IsLowKeg)
		// Boundary is not low
		assert.False(views[1].IsLowKeg)
	}
}
