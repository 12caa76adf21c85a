package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestInventoryParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: valid inventory
	{
		doc := []byte(`---
taps:
  - id: 7
    name: IPA
    point_of_sale_id: 1
    beer_style_id: 3
    keg_capacity_ml: 30000
    current_volume_ml: 3000
    device_code: ESP32-007
  - id: 8
    name: Pilsen
    keg_capacity_ml: 50000
`)
		inv, err := ParseInventory(doc)
		assert.Nil(err)
		assert.Len(inv.Taps, 2)
		assert.Equal(map[string]int64{"ESP32-007": 7}, inv.DeviceBindings())

		tap7 := inv.Taps[0].ToTap()
		assert.Equal(int64(3000), tap7.CurrentVolumeAvailableMl)
		assert.NotNil(tap7.PointOfSaleID)
		assert.Equal(int64(1), *tap7.PointOfSaleID)

		// Missing volume means a full keg
		tap8 := inv.Taps[1].ToTap()
		assert.Equal(int64(50000), tap8.CurrentVolumeAvailableMl)
		assert.Nil(tap8.CurrentBeerStyleID)
	}

	// Case 1: duplicate tap
	{
		_, err := ParseInventory([]byte(`taps: [{id: 1, keg_capacity_ml: 10}, {id: 1, keg_capacity_ml: 10}]`))
		assert.NotNil(err)
	}

	// Case 2: device bound twice
	{
		_, err := ParseInventory([]byte(`taps: [{id: 1, device_code: a}, {id: 2, device_code: a}]`))
		assert.NotNil(err)
	}

	// Case 3: volume over capacity
	{
		_, err := ParseInventory([]byte(`taps: [{id: 1, keg_capacity_ml: 10, current_volume_ml: 11}]`))
		assert.NotNil(err)
	}

	// Case 4: not YAML
	{
		_, err := ParseInventory([]byte("taps: [unterminated"))
		assert.NotNil(err)
	}

	// Case 5: from file
	{
		path := filepath.Join(t.TempDir(), "inventory.yaml")
		assert.Nil(os.WriteFile(path, []byte("taps:\n  - id: 3\n    keg_capacity_ml: 20000\n"), 0600))
		inv, err := LoadInventory(path)
		assert.Nil(err)
		assert.Len(inv.Taps, 1)
		_, err = LoadInventory(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.NotNil(err)
	}
}

func TestSeedTapStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	store, err := GetInMemoryTapStore()
	assert.Nil(err)

	seq := uint64(5)
	assert.Nil(store.PutTap(ctxt, TapRecord{
		Tap: common.Tap{
			ID: 7, Name: "old", KegCapacityMl: 30000, CurrentVolumeAvailableMl: 1200,
		},
		LastSequence: &seq,
	}))

	inv := Inventory{Taps: []InventoryTap{
		{ID: 7, Name: "IPA", KegCapacityMl: 30000},
		{ID: 8, Name: "Pilsen", KegCapacityMl: 50000},
	}}
	created, err := SeedTapStore(ctxt, store, inv)
	assert.Nil(err)
	assert.Equal(1, created)

	// Existing tap keeps its runtime state
	tap7, err := store.GetTap(ctxt, 7)
	assert.Nil(err)
	assert.Equal("IPA", tap7.Tap.Name)
	assert.Equal(int64(1200), tap7.Tap.CurrentVolumeAvailableMl)
	assert.Equal(uint64(5), *tap7.LastSequence)

	tap8, err := store.GetTap(ctxt, 8)
	assert.Nil(err)
	assert.Equal(int64(50000), tap8.Tap.CurrentVolumeAvailableMl)
}
