package storage

import (
	"context"

	"github.com/alwitt/kegwatch/common"
)

// TapRecord persisted state of one tap
type TapRecord struct {
	// Tap last known tap state
	Tap common.Tap `json:"tap"`
	// LastSequence highest pour sequence number applied to the tap
	LastSequence *uint64 `json:"lastSequence,omitempty"`
}

// TapStore tap state persistence driver
type TapStore interface {
	// PutTap create or replace the record of a tap
	PutTap(ctxt context.Context, record TapRecord) error
	// GetTap read the record of a tap. Missing taps return common.ErrUnknownTap.
	GetTap(ctxt context.Context, tapID int64) (TapRecord, error)
	// ListTaps read all records, ordered by tap ID
	ListTaps(ctxt context.Context) ([]TapRecord, error)
	// Close release the store
	Close() error
}

// copyRecord deep copy a record so callers never share state with the store
func copyRecord(record TapRecord) TapRecord {
	dup := TapRecord{Tap: record.Tap.Copy()}
	if record.LastSequence != nil {
		seq := *record.LastSequence
		dup.LastSequence = &seq
	}
	return dup
}
