package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// JSONFormatter renders one JSON object per entry.
type JSONFormatter struct {
	// IncludeCaller adds the caller file:line when available.
	IncludeCaller bool
}

// Format implements Formatter.
func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(e.Fields)+4)
	for k, v := range e.Fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		m[k] = v
	}
	m["time"] = e.Timestamp.Format(timeLayout)
	m["level"] = e.Level.String()
	m["msg"] = e.Message
	if f.IncludeCaller && e.Caller != "" {
		m["caller"] = e.Caller
	}
	if e.Error != nil {
		m["error"] = e.Error.Error()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders "time LEVEL msg k=v ..." lines with sorted keys.
type TextFormatter struct {
	// DisableTimestamp drops the leading timestamp.
	DisableTimestamp bool
	IncludeCaller    bool
}

// Format implements Formatter.
func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if !f.DisableTimestamp {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		buf.WriteString(ts.Format(timeLayout))
		buf.WriteByte(' ')
	}
	fmt.Fprintf(&buf, "%-5s %s", e.Level.String(), e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteByte('=')
		writeTextValue(&buf, e.Fields[k])
	}
	if f.IncludeCaller && e.Caller != "" {
		buf.WriteString(" caller=")
		buf.WriteString(e.Caller)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeTextValue(buf *bytes.Buffer, v interface{}) {
	var s string
	switch x := v.(type) {
	case nil:
		s = "<nil>"
	case string:
		s = x
	case error:
		s = x.Error()
	case time.Time:
		s = x.Format(timeLayout)
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	if needsQuote(s) {
		fmt.Fprintf(buf, "%q", s)
		return
	}
	buf.WriteString(s)
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' {
			return true
		}
	}
	return false
}
