package log

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// redactedValue replaces the value of any redacted key.
const redactedValue = "[REDACTED]"

// sampledKey carries the number of entries a sampler dropped since the last
// one it let through.
const sampledKey = "sampled_dropped"

// bridgeHandler is the slog.Handler behind every BaseLogger. Records are
// flattened into Fields, redacted, sampled and written through the logger's
// formatter and outputs.
type bridgeHandler struct {
	logger     *BaseLogger
	attrs      []slog.Attr
	prefix     string
	redactions map[string]struct{}
	sampler    *sampler
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	return &bridgeHandler{logger: logger}
}

// Enabled gates by the BaseLogger level.
func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.level <= fromSlogLevel(level)
}

// Handle converts the record to an Entry and writes it to every output.
func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	dropped := uint64(0)
	if h.sampler != nil {
		var ok bool
		if ok, dropped = h.sampler.allow(r.Level, h.component(), r.Message); !ok {
			return nil
		}
	}

	fields := make(Fields, len(h.attrs)+r.NumAttrs()+1)
	for _, a := range h.attrs {
		h.put(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, h.prefix, a)
		return true
	})
	if dropped > 0 {
		fields[sampledKey] = dropped
	}

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// put flattens a into fields under prefix. Group attrs become dotted keys;
// a key is redacted when its last segment matches a redaction, ignoring case.
func (h *bridgeHandler) put(fields Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			h.put(fields, key, ga)
		}
		return
	}
	if h.redacted(a.Key) {
		fields[key] = redactedValue
		return
	}
	fields[key] = v.Any()
}

func (h *bridgeHandler) redacted(key string) bool {
	if h.redactions == nil {
		return false
	}
	_, ok := h.redactions[strings.ToLower(key)]
	return ok
}

// component returns the component base attr, which scopes sampling.
func (h *bridgeHandler) component() string {
	for i := len(h.attrs) - 1; i >= 0; i-- {
		if h.attrs[i].Key == ComponentKey {
			return h.attrs[i].Value.String()
		}
	}
	return ""
}

// WithAttrs returns a copy of the handler with additional base attributes.
// Attributes added inside a group keep the group prefix.
func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a = slog.Attr{Key: h.prefix, Value: slog.GroupValue(a)}
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup returns a copy of the handler that prefixes later keys with name.
func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.prefix != "" {
		nh.prefix = h.prefix + "." + name
	} else {
		nh.prefix = name
	}
	return &nh
}

// withRedactions returns a copy of the handler that redacts the provided keys.
func (h *bridgeHandler) withRedactions(keys []string) *bridgeHandler {
	if len(keys) == 0 {
		return h
	}
	nh := *h
	nh.redactions = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		nh.redactions[strings.ToLower(k)] = struct{}{}
	}
	return &nh
}

// sampler thins repeated debug and info entries per component and message.
// Warnings and errors always pass.
type sampler struct {
	mu         sync.Mutex
	initial    uint64
	thereafter uint64
	counts     map[string]uint64
	dropped    map[string]uint64
}

func newSampler(initial, thereafter int) *sampler {
	if initial < 0 {
		initial = 0
	}
	if thereafter <= 0 {
		thereafter = 1
	}
	return &sampler{
		initial:    uint64(initial),
		thereafter: uint64(thereafter),
		counts:     make(map[string]uint64),
		dropped:    make(map[string]uint64),
	}
}

// allow reports whether the entry passes and, if so, how many entries with
// the same key were dropped since the previous one that passed.
func (s *sampler) allow(level slog.Level, component, message string) (bool, uint64) {
	if level >= slog.LevelWarn {
		return true, 0
	}
	key := strconv.Itoa(int(level)) + ":" + component + ":" + message
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.counts[key]
	s.counts[key] = n + 1
	if n < s.initial || (n-s.initial)%s.thereafter == 0 {
		d := s.dropped[key]
		delete(s.dropped, key)
		return true, d
	}
	s.dropped[key]++
	return false, 0
}

// logDir is the directory of this package's sources. Frames from it are
// skipped when resolving the caller so entries point at the call site.
var logDir = func() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Dir(file)
}()

func internalFrame(f runtime.Frame) bool {
	if strings.HasPrefix(f.Function, "log/slog.") {
		return true
	}
	return filepath.Dir(f.File) == logDir && !strings.HasSuffix(f.File, "_test.go")
}

// callerOf resolves the first frame outside the logging stack. pc is the
// record's PC, which points into BaseLogger when the record came from it.
func callerOf(pc uintptr) string {
	if pc != 0 {
		f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
		if !internalFrame(f) {
			return f.File + ":" + itoa(f.Line)
		}
	}
	var pcs [16]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.File != "" && !internalFrame(f) {
			return f.File + ":" + itoa(f.Line)
		}
		if !more {
			return ""
		}
	}
}

// Helper: map our Level to slog.Level
func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel, FatalLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper: map slog.Level to our Level
func fromSlogLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level == slog.LevelInfo:
		return InfoLevel
	case level == slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Helper: convert map fields to slog attrs
func attrsFromMap(m Fields) []slog.Attr {
	if len(m) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// Helper: convert Field slice to slog attrs
func attrsFromFieldSlice(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

// argsToAttrs converts key-value variadic args (k1, v1, k2, v2, ...) to slog.Attr.
func argsToAttrs(args []interface{}) []slog.Attr {
	if len(args) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if key, ok := args[i].(string); ok {
				attrs = append(attrs, slog.Any(key, args[i+1]))
			} else {
				attrs = append(attrs, slog.Any("arg"+strconv.Itoa(i), args[i+1]))
			}
		} else {
			attrs = append(attrs, slog.Any("arg"+strconv.Itoa(i), args[i]))
		}
	}
	return attrs
}

// attrsToAny converts []slog.Attr to []any for slog.Logger.With.
func attrsToAny(attrs []slog.Attr) []any {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]any, len(attrs))
	for i := range attrs {
		out[i] = attrs[i]
	}
	return out
}

// itoa is a small fast int to string for non-negative numbers.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	// Max 20 digits for int64, int is enough
	var buf [20]byte
	bp := len(buf)
	for i > 0 {
		bp--
		buf[bp] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[bp:])
}
