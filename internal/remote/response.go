package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Response is one decoded answer. The zero value is "unavailable".
type Response struct {
	fields map[string]json.RawMessage
}

// Decode parses a JSON object body.
func Decode(body []byte) (Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &fields); err != nil {
		return Response{}, fmt.Errorf("decode body: %w", err)
	}
	if fields == nil {
		return Response{}, fmt.Errorf("decode body: not a JSON object")
	}
	return Response{fields: fields}, nil
}

func (r Response) Available() bool { return r.fields != nil }

// String returns a string field. Non-string scalars are rendered as their
// JSON text.
func (r Response) String(key string) (string, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	txt := strings.TrimSpace(string(raw))
	if txt == "" || txt == "null" || strings.HasPrefix(txt, "{") || strings.HasPrefix(txt, "[") {
		return "", false
	}
	return txt, true
}

// Int returns an integer field, accepting JSON numbers with no fractional
// part and numeric strings.
func (r Response) Int(key string) (int64, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	// 2^63 is exactly representable and already out of range
	if f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}
