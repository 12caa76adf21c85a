package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DeviceRef device code. Firmware sends it as either a JSON string or a number.
type DeviceRef string

// UnmarshalJSON accept both string and numeric device references
func (r *DeviceRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var code string
		if err := json.Unmarshal(data, &code); err != nil {
			return err
		}
		*r = DeviceRef(code)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("device reference must be a string or number: %w", err)
	}
	*r = DeviceRef(num.String())
	return nil
}

// PourPayload pour notification as sent by a device
type PourPayload struct {
	TapID          *int64    `json:"tapId,omitempty" validate:"omitempty,gt=0"`
	DeviceID       DeviceRef `json:"deviceId,omitempty"`
	PourVolumeMl   *float64  `json:"pourVolumeMl,omitempty" validate:"required,gt=0"`
	Datetime       string    `json:"datetime" validate:"required"`
	SequenceNumber *uint64   `json:"sequenceNumber,omitempty"`

	// Field names used by older flow meter firmware
	LegacyTapID    *int64    `json:"tap_id,omitempty"`
	LegacyDeviceID DeviceRef `json:"device_id,omitempty"`
	TotalVolumeMl  *float64  `json:"total_volume_ml,omitempty"`
}

// normalize fold the legacy field names into the current ones
func (p *PourPayload) normalize() {
	if p.TapID == nil {
		p.TapID = p.LegacyTapID
	}
	if p.DeviceID == "" {
		p.DeviceID = p.LegacyDeviceID
	}
	if p.PourVolumeMl == nil {
		p.PourVolumeMl = p.TotalVolumeMl
	}
}

// KegChangePayload keg change notification as sent by a device or operator
type KegChangePayload struct {
	TapID         *int64    `json:"tapId,omitempty" validate:"omitempty,gt=0"`
	DeviceID      DeviceRef `json:"deviceId,omitempty"`
	KegCapacityMl *float64  `json:"kegCapacityMl,omitempty" validate:"required,gt=0"`
	BeerStyleID   *int64    `json:"beerStyleId,omitempty" validate:"omitempty,gt=0"`
	Datetime      string    `json:"datetime,omitempty"`
}
