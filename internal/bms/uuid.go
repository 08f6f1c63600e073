package bms

import "github.com/go-ble/ble"

// JBD-style BMS GATT layout
var (
	ServiceUUID = ble.UUID16(0xff00)
	NotifyUUID  = ble.UUID16(0xff01) // device -> client
	WriteUUID   = ble.UUID16(0xff02) // client -> device
)

// IsBMS reports whether an advertisement announces the BMS service.
func IsBMS(adv ble.Advertisement) bool {
	for _, u := range adv.Services() {
		if u.Equal(ServiceUUID) {
			return true
		}
	}
	return false
}
