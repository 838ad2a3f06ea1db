package link

import "sync/atomic"

// EmergencyStop is shared by the session and every transport manager.
// Checked before each connect and each non-forced send.
type EmergencyStop struct {
	on atomic.Bool
}

// Set engages or releases; returns the previous value.
func (e *EmergencyStop) Set(on bool) bool { return e.on.Swap(on) }

// Engaged reports the current flag. A nil stop is never engaged.
func (e *EmergencyStop) Engaged() bool {
	return e != nil && e.on.Load()
}
