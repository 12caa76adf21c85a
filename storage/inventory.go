package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
	"gopkg.in/yaml.v3"
)

// InventoryTap one known tap and its device binding
type InventoryTap struct {
	ID              int64  `yaml:"id"`
	Name            string `yaml:"name"`
	PointOfSaleID   *int64 `yaml:"point_of_sale_id"`
	BeerStyleID     *int64 `yaml:"beer_style_id"`
	KegCapacityMl   int64  `yaml:"keg_capacity_ml"`
	CurrentVolumeMl *int64 `yaml:"current_volume_ml"`
	DeviceCode      string `yaml:"device_code"`
}

// Inventory the known taps
type Inventory struct {
	Taps []InventoryTap `yaml:"taps"`
}

// ParseInventory parse and check a YAML inventory document
func ParseInventory(data []byte) (Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return Inventory{}, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return inv, inv.Validate()
}

// LoadInventory read a YAML inventory file
func LoadInventory(path string) (Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Inventory{}, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	return ParseInventory(data)
}

// Validate check tap IDs and device codes are unique and volumes are sane
func (i Inventory) Validate() error {
	seenIDs := map[int64]bool{}
	seenCodes := map[string]bool{}
	for _, tap := range i.Taps {
		if tap.ID <= 0 {
			return fmt.Errorf("tap ID must be positive, got %d", tap.ID)
		}
		if seenIDs[tap.ID] {
			return fmt.Errorf("tap %d listed more than once", tap.ID)
		}
		seenIDs[tap.ID] = true
		if tap.KegCapacityMl < 0 {
			return fmt.Errorf("tap %d has negative keg capacity", tap.ID)
		}
		if tap.CurrentVolumeMl != nil &&
			(*tap.CurrentVolumeMl < 0 || *tap.CurrentVolumeMl > tap.KegCapacityMl) {
			return fmt.Errorf("tap %d volume outside [0, %d]", tap.ID, tap.KegCapacityMl)
		}
		if tap.DeviceCode != "" {
			if seenCodes[tap.DeviceCode] {
				return fmt.Errorf("device code %s bound to more than one tap", tap.DeviceCode)
			}
			seenCodes[tap.DeviceCode] = true
		}
	}
	return nil
}

// DeviceBindings map of device code to tap ID
func (i Inventory) DeviceBindings() map[string]int64 {
	bindings := map[string]int64{}
	for _, tap := range i.Taps {
		if tap.DeviceCode != "" {
			bindings[tap.DeviceCode] = tap.ID
		}
	}
	return bindings
}

// ToTap initial tap state described by the inventory entry
func (t InventoryTap) ToTap() common.Tap {
	volume := t.KegCapacityMl
	if t.CurrentVolumeMl != nil {
		volume = *t.CurrentVolumeMl
	}
	return common.Tap{
		ID:                       t.ID,
		Name:                     t.Name,
		PointOfSaleID:            t.PointOfSaleID,
		CurrentBeerStyleID:       t.BeerStyleID,
		KegCapacityMl:            t.KegCapacityMl,
		CurrentVolumeAvailableMl: volume,
	}.Copy()
}

// SeedTapStore make sure every inventory tap exists in the store. Taps already in the
// store keep their volume and sequence state; only descriptive fields are refreshed.
func SeedTapStore(ctxt context.Context, store TapStore, inv Inventory) (int, error) {
	logTags := log.Fields{"module": "storage", "component": "inventory"}
	created := 0
	for _, entry := range inv.Taps {
		existing, err := store.GetTap(ctxt, entry.ID)
		if err == nil {
			existing.Tap.Name = entry.Name
			existing.Tap.PointOfSaleID = entry.ToTap().PointOfSaleID
			if err := store.PutTap(ctxt, existing); err != nil {
				return created, err
			}
			continue
		}
		if !errors.Is(err, common.ErrUnknownTap) {
			return created, err
		}
		if err := store.PutTap(ctxt, TapRecord{Tap: entry.ToTap()}); err != nil {
			return created, err
		}
		created++
	}
	log.WithFields(logTags).Infof("Seeded %d new taps from %d inventory entries", created, len(inv.Taps))
	return created, nil
}
