package logger

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultSystemLogCapacity = 1000

// SystemLogEntry is one captured log line, served by the system-logs API
// and pushed onto the live event stream.
type SystemLogEntry struct {
	ID         int64                  `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Level      string                 `json:"level"`
	LoggerName string                 `json:"logger_name,omitempty"`
	Message    string                 `json:"message"`
	Caller     string                 `json:"caller,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// SystemLogStore keeps the most recent log entries in a fixed-size ring so
// operators can inspect them without shell access to the host.
type SystemLogStore struct {
	mu       sync.RWMutex
	entries  []SystemLogEntry
	capacity int
	next     int
	count    int
	seq      int64

	subMu sync.Mutex
	subs  map[chan SystemLogEntry]struct{}
}

func NewSystemLogStore(capacity int) *SystemLogStore {
	if capacity <= 0 {
		capacity = defaultSystemLogCapacity
	}

	return &SystemLogStore{
		entries:  make([]SystemLogEntry, capacity),
		capacity: capacity,
		subs:     make(map[chan SystemLogEntry]struct{}),
	}
}

// WrapZapLogger tees every entry written through base into store.
func WrapZapLogger(base *zap.Logger, store *SystemLogStore) *zap.Logger {
	if base == nil || store == nil {
		return base
	}

	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &systemLogCore{
			Core:  core,
			store: store,
		}
	}))
}

// Recent returns up to limit entries, newest first, optionally filtered by
// level and a case-insensitive message keyword.
func (s *SystemLogStore) Recent(level, keyword string, limit int) []SystemLogEntry {
	if s == nil {
		return nil
	}
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}

	normalizedLevel := strings.ToLower(strings.TrimSpace(level))
	normalizedKeyword := strings.ToLower(strings.TrimSpace(keyword))

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]SystemLogEntry, 0, limit)
	for i := 0; i < s.count && len(result) < limit; i++ {
		idx := s.next - 1 - i
		if idx < 0 {
			idx += s.capacity
		}
		entry := s.entries[idx]

		if normalizedLevel != "" && !strings.EqualFold(entry.Level, normalizedLevel) {
			continue
		}
		if normalizedKeyword != "" &&
			!strings.Contains(strings.ToLower(entry.Message), normalizedKeyword) &&
			!strings.Contains(strings.ToLower(entry.LoggerName), normalizedKeyword) {
			continue
		}
		result = append(result, cloneSystemLogEntry(entry))
	}
	return result
}

// Subscribe registers a channel that receives entries as they are written.
// Entries are dropped, not queued, when the subscriber falls behind.
func (s *SystemLogStore) Subscribe() chan SystemLogEntry {
	ch := make(chan SystemLogEntry, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *SystemLogStore) Unsubscribe(ch chan SystemLogEntry) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *SystemLogStore) add(entry zapcore.Entry, fields []zapcore.Field) {
	if s == nil {
		return
	}

	s.mu.Lock()
	s.seq++
	item := SystemLogEntry{
		ID:         s.seq,
		Timestamp:  entry.Time.UTC(),
		Level:      entry.Level.String(),
		LoggerName: entry.LoggerName,
		Message:    entry.Message,
		Caller:     entry.Caller.TrimmedPath(),
		Fields:     fieldsToMap(fields),
	}

	s.entries[s.next] = item
	s.next = (s.next + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- cloneSystemLogEntry(item):
		default:
		}
	}
	s.subMu.Unlock()
}

func fieldsToMap(fields []zapcore.Field) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range fields {
		field.AddTo(enc)
	}
	if len(enc.Fields) == 0 {
		return nil
	}

	result := make(map[string]interface{}, len(enc.Fields))
	for k, v := range enc.Fields {
		result[k] = v
	}
	return result
}

func cloneSystemLogEntry(entry SystemLogEntry) SystemLogEntry {
	cloned := entry
	if len(entry.Fields) == 0 {
		return cloned
	}

	fields := make(map[string]interface{}, len(entry.Fields))
	for k, v := range entry.Fields {
		fields[k] = v
	}
	cloned.Fields = fields
	return cloned
}

type systemLogCore struct {
	zapcore.Core
	store *SystemLogStore
}

func (c *systemLogCore) With(fields []zapcore.Field) zapcore.Core {
	return &systemLogCore{
		Core:  c.Core.With(fields),
		store: c.store,
	}
}

func (c *systemLogCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *systemLogCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if c.store != nil {
		c.store.add(entry, fields)
	}
	return c.Core.Write(entry, fields)
}
