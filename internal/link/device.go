package link

import (
	"strings"
	"unicode"
)

// DeviceType: which radio/transport a device is reached over.
type DeviceType int

const (
	DeviceClassic DeviceType = iota
	DeviceLE
	DeviceWiFi
)

func (t DeviceType) String() string {
	switch t {
	case DeviceLE:
		return "ble"
	case DeviceWiFi:
		return "wifi"
	default:
		return "classic"
	}
}

// ParseDeviceType accepts "classic"/"spp", "ble"/"le", "wifi"/"udp".
func ParseDeviceType(s string) (DeviceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classic", "spp", "rfcomm":
		return DeviceClassic, true
	case "ble", "le":
		return DeviceLE, true
	case "wifi", "udp":
		return DeviceWiFi, true
	}
	return DeviceClassic, false
}

// Device: connect target. Address is a MAC for Bluetooth, host:port for WiFi,
// or a serial device path for Classic over RFCOMM.
type Device struct {
	Name    string     `json:"name"`
	Address string     `json:"address"`
	Type    DeviceType `json:"type"`
}

// bleOnlyMarkers: firmware names that only ever speak BLE even when the
// scanner reports them as dual-mode.
var bleOnlyMarkers = []string{
	"HM-10", "HM10", "MLT-BT05", "BT05", "JDY", "HC-08", "HC08", "AT-09",
}

// ResolveDeviceType coerces known BLE-only names to LE; WiFi is never coerced.
func ResolveDeviceType(name string, discovered DeviceType) DeviceType {
	if discovered == DeviceWiFi {
		return discovered
	}
	upper := strings.ToUpper(name)
	for _, m := range bleOnlyMarkers {
		if strings.Contains(upper, m) {
			return DeviceLE
		}
	}
	// "BLE" only as a word of its own: CABLE-BOT stays Classic
	for _, w := range strings.FieldsFunc(upper, notAlnum) {
		if w == "BLE" {
			return DeviceLE
		}
	}
	return discovered
}

func notAlnum(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }
