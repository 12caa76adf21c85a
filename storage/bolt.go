package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
	bolt "go.etcd.io/bbolt"
)

var bucketTaps = []byte("taps")

// boltTapStore tap store backed by a local bolt DB file
type boltTapStore struct {
	common.Component
	db *bolt.DB
}

// GetBoltTapStore open (or create) a bolt backed tap store
func GetBoltTapStore(dbPath string, openTimeout time.Duration) (TapStore, error) {
	logTags := log.Fields{"module": "storage", "component": "bolt", "instance": dbPath}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open DB")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTaps); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketTaps, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened tap store")
	return &boltTapStore{Component: common.Component{LogTags: logTags}, db: db}, nil
}

func (s *boltTapStore) PutTap(_ context.Context, record TapRecord) error {
	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaps).Put([]byte(common.TapIDString(record.Tap.ID)), data)
	})
}

func (s *boltTapStore) GetTap(_ context.Context, tapID int64) (TapRecord, error) {
	var record TapRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTaps).Get([]byte(common.TapIDString(tapID)))
		if data == nil {
			return fmt.Errorf("%w: tap %d", common.ErrUnknownTap, tapID)
		}
		return json.Unmarshal(data, &record)
	})
	return record, err
}

func (s *boltTapStore) ListTaps(_ context.Context) ([]TapRecord, error) {
	result := []TapRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaps).ForEach(func(k, v []byte) error {
			var record TapRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt record %s: %w", k, err)
			}
			result = append(result, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys are decimal strings so bolt order is not numeric order
	sort.Slice(result, func(i, j int) bool { return result[i].Tap.ID < result[j].Tap.ID })
	return result, nil
}

func (s *boltTapStore) Close() error {
	log.WithFields(s.LogTags).Info("Closing tap store")
	return s.db.Close()
}
