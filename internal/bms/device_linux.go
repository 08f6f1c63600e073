//go:build linux

package bms

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newPlatformDevice() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			return nil, fmt.Errorf("HCI access denied, run as root or grant CAP_NET_ADMIN: %w", err)
		}
		return nil, fmt.Errorf("failed to open HCI device: %w", err)
	}
	return dev, nil
}
