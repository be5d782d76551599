package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/sensorstream/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return a.adv.Addr().String() }

func (a *BLEAdvertisement) HasService(uuid string) bool {
	for _, svc := range a.adv.Services() {
		if device.SameUUID(svc.String(), uuid) {
			return true
		}
	}
	return false
}
