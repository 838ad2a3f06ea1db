package link

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLogCapacity: debug log entries kept for display.
const DefaultLogCapacity = 500

// LogEntry: one line of the debug log.
type LogEntry struct {
	Time    time.Time     `json:"time"`
	Level   zapcore.Level `json:"level"`
	Logger  string        `json:"logger"`
	Message string        `json:"message"`
}

func (e LogEntry) String() string {
	name := e.Logger
	if name != "" {
		name = "[" + name + "] "
	}
	return fmt.Sprintf("%s %-5s %s%s", e.Time.Format("15:04:05.000"), e.Level.CapitalString(), name, e.Message)
}

// LogBuffer: bounded debug log, oldest entries dropped first.
type LogBuffer struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	updates  *Value[int]
}

// NewLogBuffer; capacity <= 0 uses DefaultLogCapacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		updates:  NewValue(0),
	}
}

// Append adds e, evicting the oldest entry when full.
func (b *LogBuffer) Append(e LogEntry) {
	b.mu.Lock()
	if len(b.entries) >= b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, e)
	n := len(b.entries)
	b.mu.Unlock()
	b.updates.Set(n)
}

// Entries returns a copy, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the entry count.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops every entry.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	b.entries = b.entries[:0]
	b.mu.Unlock()
	b.updates.Set(0)
}

// Subscribe notifies on every change with the new entry count.
func (b *LogBuffer) Subscribe() (<-chan int, func()) { return b.updates.Subscribe() }

// logCore tees zap entries into a LogBuffer.
type logCore struct {
	zapcore.LevelEnabler
	buf    *LogBuffer
	fields []zapcore.Field
}

// NewLogCore returns a zapcore.Core writing into buf at level and above.
// Combine with zapcore.NewTee to keep normal output.
func NewLogCore(buf *LogBuffer, level zapcore.LevelEnabler) zapcore.Core {
	return &logCore{LevelEnabler: level, buf: buf}
}

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	f := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	f = append(f, c.fields...)
	f = append(f, fields...)
	return &logCore{LevelEnabler: c.LevelEnabler, buf: c.buf, fields: f}
}

func (c *logCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *logCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	msg := e.Message
	if len(enc.Fields) > 0 {
		var sb strings.Builder
		sb.WriteString(msg)
		for _, k := range sortedKeys(enc.Fields) {
			fmt.Fprintf(&sb, " %s=%v", k, enc.Fields[k])
		}
		msg = sb.String()
	}
	c.buf.Append(LogEntry{Time: e.Time, Level: e.Level, Logger: e.LoggerName, Message: msg})
	return nil
}

func (c *logCore) Sync() error { return nil }

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// TeeLogger returns log with every entry also copied into buf.
func TeeLogger(log *zap.Logger, buf *LogBuffer, level zapcore.LevelEnabler) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, NewLogCore(buf, level))
	}))
}
