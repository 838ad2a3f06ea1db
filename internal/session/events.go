package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/proto"
	"dev.c0redev.rclink/internal/telemetry"
)

// OnStateChange implements link.Events.
func (c *Controller) OnStateChange(t link.DeviceType, s link.State, err error) {
	if !c.isActive(t) {
		return
	}
	switch s {
	case link.StateConnected:
		c.monitor.OnConnected()
		c.splitMu.Lock()
		c.splitter.Reset()
		c.splitMu.Unlock()
		c.State.Set(s)
		c.LastError.Set("")
		if dev, ok := c.SavedDevice(); ok {
			c.ConnectedDevice.Set(&dev)
		}
		c.Send(proto.CapabilityRequest(c.opts.DeviceID).Bytes(), false)
	case link.StateError:
		c.clearLinkState(link.StateError)
		c.LastError.Set(link.UserMessage(err))
		if retryable(err) {
			c.monitor.ScheduleReconnect()
		}
	case link.StateDisconnected:
		c.clearLinkState(link.StateDisconnected)
	default:
		c.State.Set(s)
	}
}

// retryable: permanent and security failures need the user.
func retryable(err error) bool {
	return !link.IsPermanent(err) && !link.IsSecurity(err) && !errors.Is(err, link.ErrEmergencyStop)
}

// OnInbound implements link.Events. Runs on the transport's read task.
func (c *Controller) OnInbound(t link.DeviceType, data []byte) {
	if !c.isActive(t) {
		return
	}
	c.splitMu.Lock()
	frames := c.splitter.Feed(data, func(err error) {
		c.log.Debug("dropped bytes", zap.Error(err))
	})
	c.splitMu.Unlock()
	for _, f := range frames {
		c.monitor.OnPacketReceived()
		c.handleFrame(f)
	}
}

func (c *Controller) handleFrame(f proto.Frame) {
	if id := f.DeviceID(); id != c.opts.DeviceID && id != proto.BroadcastDeviceID {
		c.log.Debug("frame for another device", zap.Stringer("frame", f))
		return
	}
	switch f.Cmd() {
	case proto.CmdHeartbeatAck:
		p := f.Payload()
		if rtt, ok := c.monitor.OnHeartbeatAck(p[0]); ok {
			c.recordRTT(rtt)
		}
	case proto.CmdHeartbeat:
		p := f.Payload()
		c.SendFrame(proto.Encode(c.opts.DeviceID, proto.CmdHeartbeatAck, [proto.PayloadSize]byte{p[0]}))
	case proto.CmdTelemetry:
		if tm, ok := telemetry.ParseTelemetry(f); ok {
			c.Telemetry.Set(&tm)
		}
	case proto.CmdCapability:
		if caps, ok := telemetry.ParseCapability(f); ok {
			c.log.Info("capabilities", zap.Stringer("caps", caps))
			c.Capabilities.Set(caps)
		}
	case proto.CmdEmergencyStop:
		p := f.Payload()
		c.log.Warn("controller reported emergency stop", zap.Bool("engaged", p[0] == 1))
	default:
		c.log.Debug("unhandled frame", zap.Stringer("frame", f))
	}
}

func (c *Controller) recordRTT(rtt time.Duration) {
	prev := c.RTTHistory.Get()
	start := 0
	if len(prev) >= RTTHistorySize {
		start = len(prev) - RTTHistorySize + 1
	}
	next := make([]time.Duration, 0, RTTHistorySize)
	next = append(next, prev[start:]...)
	next = append(next, rtt)
	c.RTTHistory.Set(next)
}

// health.Callbacks

func (c *Controller) CurrentState() link.State {
	if t := c.activeTransport(); t != nil {
		return t.State()
	}
	return link.StateDisconnected
}

func (c *Controller) TransportType() link.DeviceType {
	if t := c.activeTransport(); t != nil {
		return t.Type()
	}
	return link.DeviceClassic
}

func (c *Controller) AutoReconnectArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoReconnect
}

func (c *Controller) HasSavedDevice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved != nil
}

// health.Listener

func (c *Controller) HeartbeatDue(seq byte) {
	c.SendFrame(proto.Heartbeat(c.opts.DeviceID, seq))
}

func (c *Controller) HeartbeatTimeout(silence time.Duration) {
	c.log.Warn("link silent, dropping", zap.Duration("silence", silence))
	go c.linkDead()
}

func (c *Controller) MissedAckThreshold(missed int) {
	c.log.Warn("heartbeat acks missed, dropping", zap.Int("missed", missed))
	go c.linkDead()
}

// linkDead: the transport goes Disconnected, the session reports Error and
// books a backoff reconnect if armed.
func (c *Controller) linkDead() {
	t := c.activeTransport()
	if t == nil || t.State() != link.StateConnected {
		return
	}
	t.Disconnect()
	c.clearLinkState(link.StateError)
	c.LastError.Set(link.UserMessage(link.ErrLinkLost))
	c.monitor.ScheduleReconnect()
}

func (c *Controller) ReconnectAttempt(attempt int, delay time.Duration) {
	c.State.Set(link.StateReconnecting)
	c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("in", delay))
}

func (c *Controller) ReconnectDue(attempt int) {
	go c.reconnect(attempt)
}

func (c *Controller) reconnect(attempt int) {
	if c.stop.Engaged() || !c.AutoReconnectArmed() {
		return
	}
	dev, ok := c.SavedDevice()
	t := c.activeTransport()
	if !ok || t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReconnectLimit)
	defer cancel()
	err := t.Connect(ctx, dev)
	switch {
	case err == nil:
		c.log.Info("reconnected", zap.Int("attempt", attempt))
	case errors.Is(err, link.ErrConnectInProgress):
	default:
		// a failure with a state change books the next attempt itself
		c.log.Info("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Controller) CircuitBreakerTripped(attempts int) {
	c.BreakerTripped.Set(true)
	c.log.Error("auto-reconnect disabled", zap.Int("attempts", attempts))
}
