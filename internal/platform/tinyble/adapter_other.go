//go:build !linux

package tinyble

import (
	"context"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/link/ble"
)

// Adapter is unavailable off Linux; addresses there are not MACs.
type Adapter struct{}

func NewAdapter(*zap.Logger) *Adapter { return &Adapter{} }

func (*Adapter) Enabled() bool { return false }

func (*Adapter) Connect(context.Context, string, func(error)) (ble.Peripheral, error) {
	return nil, link.ErrUnsupported
}
