// Package presentation derives the values dashboards display from raw tap state.
//
// Every function is pure: same input, same output, no I/O.
package presentation

import (
	"fmt"
	"math"
	"time"

	"github.com/alwitt/kegwatch/common"
)

// LowKegPercentage a keg below this percentage full is low
const LowKegPercentage = 10

// NoPourRecord shown when a tap has never poured
const NoPourRecord = "no record"

// Options settings applied when deriving views
type Options struct {
	// Location timezone pour times are shown in. nil is UTC.
	Location *time.Location
	// LowKegPercentage a keg below this percentage full is low. 0 uses LowKegPercentage.
	LowKegPercentage int
}

// OptionsFromThreshold options for a display timezone and a low keg threshold given as
// a fraction of capacity, the way the aggregator is configured
func OptionsFromThreshold(loc *time.Location, lowKegThreshold float64) Options {
	return Options{Location: loc, LowKegPercentage: ThresholdPercentage(lowKegThreshold)}
}

// ThresholdPercentage convert a fraction of capacity into a whole percentage
func ThresholdPercentage(fraction float64) int {
	if fraction <= 0 {
		return LowKegPercentage
	}
	return int(math.Round(fraction * 100))
}

func (o Options) lowKegPercentage() int {
	if o.LowKegPercentage <= 0 {
		return LowKegPercentage
	}
	return o.LowKegPercentage
}

// TapView display ready view of a tap
type TapView struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name,omitempty"`
	VolumePercentage int     `json:"volumePercentage"`
	IsLowKeg         bool    `json:"isLowKeg"`
	AvailableLiters  float64 `json:"availableLiters"`
	TotalLiters      int64   `json:"totalLiters"`
	LastPour         string  `json:"lastPour"`
}

// VolumePercentage how full the keg is, rounded to a whole percent. No keg is 0.
func VolumePercentage(tap common.Tap) int {
	if tap.KegCapacityMl <= 0 {
		return 0
	}
	pct := int(math.Round(float64(tap.CurrentVolumeAvailableMl) / float64(tap.KegCapacityMl) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// IsLowKeg whether the keg is under the low keg percentage
func IsLowKeg(tap common.Tap) bool {
	return IsLowKegAt(tap, LowKegPercentage)
}

// IsLowKegAt whether the keg is under the given percentage
func IsLowKegAt(tap common.Tap, percentage int) bool {
	return VolumePercentage(tap) < percentage
}

// AvailableLiters volume left in liters, rounded to one decimal
func AvailableLiters(tap common.Tap) float64 {
	return math.Round(float64(tap.CurrentVolumeAvailableMl)/100) / 10
}

// TotalLiters keg capacity in whole liters
func TotalLiters(tap common.Tap) int64 {
	if tap.KegCapacityMl <= 0 {
		return 0
	}
	return int64(math.Round(float64(tap.KegCapacityMl) / 1000))
}

// FormatLastPour summarize the last pour as "HH:MM - Nml" in the display timezone
func FormatLastPour(lastPour *common.LastPour, loc *time.Location) string {
	if lastPour == nil {
		return NoPourRecord
	}
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s - %dml", lastPour.Datetime.In(loc).Format("15:04"), lastPour.PourVolumeMl)
}

// Derive build the display view of a tap
func Derive(tap common.Tap, opts Options) TapView {
	return TapView{
		ID:               tap.ID,
		Name:             tap.Name,
		VolumePercentage: VolumePercentage(tap),
		IsLowKeg:         IsLowKegAt(tap, opts.lowKegPercentage()),
		AvailableLiters:  AvailableLiters(tap),
		TotalLiters:      TotalLiters(tap),
		LastPour:         FormatLastPour(tap.LastPourEvent, opts.Location),
	}
}

// DeriveAll build the display view of every tap, keeping order
func DeriveAll(taps []common.Tap, opts Options) []TapView {
	views := make([]TapView, 0, len(taps))
	for _, tap := range taps {
		views = append(views, Derive(tap, opts))
	}
	return views
}
