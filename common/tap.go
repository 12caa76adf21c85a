package common

import (
	"encoding/json"
	"time"
)

// LastPour the most recent pour applied to a tap
type LastPour struct {
	// Datetime is when the pour happened
	Datetime time.Time `json:"datetime"`
	// PourVolumeMl is the volume poured
	PourVolumeMl int64 `json:"pourVolumeMl"`
}

// Tap authoritative state of one beverage dispensing tap
type Tap struct {
	// ID tap ID. Immutable.
	ID int64 `json:"id"`
	// Name display name of the tap
	Name string `json:"name,omitempty"`
	// PointOfSaleID the point of sale the tap belongs to
	PointOfSaleID *int64 `json:"pointOfSaleId"`
	// CurrentBeerStyleID the beer style currently on tap
	CurrentBeerStyleID *int64 `json:"currentBeerStyleId"`
	// KegCapacityMl capacity of the keg currently attached. 0 means no keg.
	KegCapacityMl int64 `json:"kegCapacityMl"`
	// CurrentVolumeAvailableMl volume left in the keg
	CurrentVolumeAvailableMl int64 `json:"currentVolumeAvailableMl"`
	// LastPourEvent the last applied pour
	LastPourEvent *LastPour `json:"lastPourEvent,omitempty"`
}

// Copy make a deep copy of the tap
func (t Tap) Copy() Tap {
	dup := t
	if t.PointOfSaleID != nil {
		v := *t.PointOfSaleID
		dup.PointOfSaleID = &v
	}
	if t.CurrentBeerStyleID != nil {
		v := *t.CurrentBeerStyleID
		dup.CurrentBeerStyleID = &v
	}
	if t.LastPourEvent != nil {
		v := *t.LastPourEvent
		dup.LastPourEvent = &v
	}
	return dup
}

// PourEvent one measured dispense reported by a metering device
type PourEvent struct {
	TapID          int64     `json:"tapId"`
	PourVolumeMl   int64     `json:"pourVolumeMl"`
	Datetime       time.Time `json:"datetime"`
	SequenceNumber *uint64   `json:"sequenceNumber,omitempty"`
}

// KegChange operator or device action replacing the keg on a tap
type KegChange struct {
	TapID         int64     `json:"tapId"`
	KegCapacityMl int64     `json:"kegCapacityMl"`
	BeerStyleID   *int64    `json:"beerStyleId,omitempty"`
	Datetime      time.Time `json:"datetime"`
}

// DeltaCause what triggered a tap state change
type DeltaCause string

const (
	// DeltaCausePour state change from a pour event
	DeltaCausePour DeltaCause = "pour"
	// DeltaCauseKegChange state change from a keg change
	DeltaCauseKegChange DeltaCause = "keg_change"
)

// TapStateDelta notification that a tap's state changed.
//
// tap_update messages carry only Tap; alert messages carry the whole delta.
type TapStateDelta struct {
	TapID int64 `json:"tapId"`
	// Tap full updated snapshot
	Tap   Tap        `json:"tap"`
	Cause DeltaCause `json:"cause"`
	// LowKeg whether the tap is low after the change
	LowKeg bool `json:"lowKeg"`
	// CrossedLowKeg whether this change moved the tap from not-low to low
	CrossedLowKeg bool `json:"crossedLowKeg"`
	// Clamped whether the pour exceeded the remaining volume
	Clamped bool `json:"clamped"`
	// PreviousVolumeMl volume before the change
	PreviousVolumeMl int64 `json:"previousVolumeMl"`
}

// Live channel message types
const (
	MsgTypeTapUpdate    = "tap_update"
	MsgTypeInitialData  = "initial_data"
	MsgTypeStatsUpdated = "stats_updated"
	MsgTypeKegLowAlert  = "keg_low_alert"
	MsgTypePourClamped  = "pour_clamped"
	MsgTypePing         = "ping"
	MsgTypePong         = "pong"
)

// LiveMessage envelope of every message on the live update channel
type LiveMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewLiveMessage build a live message, encoding data as the payload
func NewLiveMessage(msgType string, data interface{}) (LiveMessage, error) {
	msg := LiveMessage{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return LiveMessage{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// PipelineStats summary broadcast periodically to dashboards
type PipelineStats struct {
	TapCount     int `json:"tapCount"`
	LowKegCount  int `json:"lowKegCount"`
	SessionCount int `json:"sessionCount"`
}
