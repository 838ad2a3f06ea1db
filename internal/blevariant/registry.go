// Package blevariant catalogs the GATT dialects spoken by UART-over-BLE
// firmwares (genuine and clone) and ranks their characteristics for probing.
package blevariant

import (
	"fmt"

	"github.com/google/uuid"
)

// baseUUID: Bluetooth SIG base for 16-bit short UUIDs.
const baseUUID = "0000%04x-0000-1000-8000-00805f9b34fb"

// CCCD: client characteristic configuration descriptor (notify subscribe).
var CCCD = ShortUUID(0x2902)

// ShortUUID expands a 16-bit SIG UUID.
func ShortUUID(v uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf(baseUUID, v))
}

// Variant: one firmware dialect. TX is written by the app, RX notifies the
// app. Legacy is a single characteristic used for both directions.
type Variant struct {
	ID      string
	Name    string
	Service uuid.UUID
	TX      *uuid.UUID
	RX      *uuid.UUID
	Legacy  *uuid.UUID
}

// Split true if TX and RX are separate characteristics.
func (v Variant) Split() bool { return v.TX != nil && v.RX != nil }

func ptr(u uuid.UUID) *uuid.UUID { return &u }

// registry order is the probe priority: most commonly seen hardware first,
// vendor-specific boards last.
var registry = []Variant{
	{
		ID:      "hm10",
		Name:    "HM-10 / CC2541 UART",
		Service: ShortUUID(0xFFE0),
		Legacy:  ptr(ShortUUID(0xFFE1)),
	},
	{
		// NUS names characteristics from the peripheral's view; 6E400002 is
		// the peripheral's RX, which is what the app writes (our TX).
		ID:      "nus",
		Name:    "Nordic UART Service",
		Service: uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"),
		TX:      ptr(uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")),
		RX:      ptr(uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")),
	},
	{
		ID:      "hc08",
		Name:    "HC-08 / BT05 clone",
		Service: ShortUUID(0xFFE0),
		Legacy:  ptr(ShortUUID(0xFFE1)),
	},
	{
		ID:      "jdy",
		Name:    "JDY-23 split UART",
		Service: ShortUUID(0xFFE0),
		TX:      ptr(ShortUUID(0xFFE2)),
		RX:      ptr(ShortUUID(0xFFE1)),
	},
	{
		ID:      "dxbt",
		Name:    "DX-BT / DSD Tech",
		Service: ShortUUID(0xFFF0),
		TX:      ptr(ShortUUID(0xFFF2)),
		RX:      ptr(ShortUUID(0xFFF1)),
	},
	{
		ID:      "esp32spp",
		Name:    "ESP32 BLE SPP server",
		Service: ShortUUID(0xABF0),
		TX:      ptr(ShortUUID(0xABF1)),
		RX:      ptr(ShortUUID(0xABF2)),
	},
	{
		ID:      "rn4870",
		Name:    "Microchip RN4870 Transparent UART",
		Service: uuid.MustParse("49535343-fe7d-4ae5-8fa9-9fafd205e455"),
		TX:      ptr(uuid.MustParse("49535343-8841-43f4-a8d4-ecbe34729bb3")),
		RX:      ptr(uuid.MustParse("49535343-1e4d-4bd9-ba61-23c647249616")),
	},
	{
		ID:      "arduinoble",
		Name:    "ArduinoBLE robot sketch",
		Service: uuid.MustParse("19b10000-e8f2-537e-4f6c-d104768a1214"),
		Legacy:  ptr(uuid.MustParse("19b10001-e8f2-537e-4f6c-d104768a1214")),
	},
	{
		ID:      "fff0led",
		Name:    "Vendor FFF0 controller board",
		Service: ShortUUID(0xFFF0),
		Legacy:  ptr(ShortUUID(0xFFF3)),
	},
}

// All returns the registry in priority order (copy).
func All() []Variant {
	out := make([]Variant, len(registry))
	copy(out, registry)
	return out
}

// FindByServiceUUID returns every variant registered under service, in
// priority order. Clone firmwares share services, so several may match.
func FindByServiceUUID(service uuid.UUID) []Variant {
	var out []Variant
	for _, v := range registry {
		if v.Service == service {
			out = append(out, v)
		}
	}
	return out
}

// FindByID returns the variant with id.
func FindByID(id string) (Variant, bool) {
	for _, v := range registry {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// KnownServices returns distinct service UUIDs in priority order.
func KnownServices() []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, v := range registry {
		if !seen[v.Service] {
			seen[v.Service] = true
			out = append(out, v.Service)
		}
	}
	return out
}

// CharacteristicCandidates merges split TX/RX and legacy characteristics of
// every variant under service into one distinct list, priority order kept.
// Within a variant: legacy, then RX, then TX.
func CharacteristicCandidates(service uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	add := func(u *uuid.UUID) {
		if u == nil || seen[*u] {
			return
		}
		seen[*u] = true
		out = append(out, *u)
	}
	for _, v := range FindByServiceUUID(service) {
		add(v.Legacy)
		add(v.RX)
		add(v.TX)
	}
	return out
}

// WriteCharacteristicFor returns the characteristic the app writes to once
// notify was accepted on subscribed: the TX of a split variant whose RX is
// subscribed and whose TX the peripheral exposes, otherwise subscribed
// itself. exposed nil = trust the registry.
func WriteCharacteristicFor(service, subscribed uuid.UUID, exposed []uuid.UUID) uuid.UUID {
	for _, v := range FindByServiceUUID(service) {
		if v.Split() && *v.RX == subscribed && (exposed == nil || contains(exposed, *v.TX)) {
			return *v.TX
		}
	}
	return subscribed
}

func contains(list []uuid.UUID, u uuid.UUID) bool {
	for _, x := range list {
		if x == u {
			return true
		}
	}
	return false
}

// Validate checks registry invariants; used by tests and at startup.
func Validate() error {
	ids := make(map[string]bool)
	for i, v := range registry {
		if v.ID == "" || v.Name == "" {
			return fmt.Errorf("variant %d: empty id or name", i)
		}
		if v.Service == uuid.Nil {
			return fmt.Errorf("variant %s: no service uuid", v.ID)
		}
		if ids[v.ID] {
			return fmt.Errorf("variant %s: duplicate id", v.ID)
		}
		ids[v.ID] = true
		if v.Legacy == nil && !v.Split() {
			return fmt.Errorf("variant %s: no characteristics", v.ID)
		}
	}
	return nil
}
