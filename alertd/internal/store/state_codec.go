package store

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/autointelli/alertd/pkg/types"
)

// Timestamp layouts accepted when decoding stored entries. Older rows hold
// naive ISO timestamps written in UTC without a zone suffix.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// DecodeRuleState normalizes an extended_state document into a RuleState.
//
// The column may hold a JSON object or a JSON string containing an object.
// Entries with unparseable timestamps keep a nil timestamp; an undecodable
// document yields an empty state.
func DecodeRuleState(raw []byte) types.RuleState {
	out := types.RuleState{}
	for key, entryRaw := range decodeDocument(raw) {
		fields, ok := entryFields(entryRaw)
		if !ok {
			continue
		}
		out[key] = types.EntryState{
			Active:        asBool(fields["active"]),
			Consecutive:   asInt(fields["consecutive"]),
			LastTriggered: asTime(fields["last_triggered"]),
			LastRecovered: asTime(fields["last_recovered"]),
		}
	}
	return out
}

// MergeRuleState encodes st as a JSON object with RFC 3339 timestamps,
// written over the existing document. Keys of existing
// that are not entries, such as last_metrics, are carried over unchanged.
// Entries come from st only.
func MergeRuleState(existing []byte, st types.RuleState) ([]byte, error) {
	doc := make(map[string]any, len(st))
	for key, v := range decodeDocument(existing) {
		if _, entry := entryFields(v); !entry {
			doc[key] = v
		}
	}
	for key, e := range st {
		doc[key] = e
	}
	return json.Marshal(doc)
}

// decodeDocument unwraps a stored document into its top-level keys. It
// returns nil for anything that is not an object.
func decodeDocument(raw []byte) map[string]json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		raw = bytes.TrimSpace([]byte(inner))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

// entryFields decodes v when it is a hysteresis entry.
func entryFields(v json.RawMessage) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal(v, &fields); err != nil {
		return nil, false
	}
	return fields, looksLikeEntry(fields)
}

func looksLikeEntry(fields map[string]any) bool {
	_, a := fields["active"]
	_, c := fields["consecutive"]
	return a || c
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case float64:
		return x != 0
	}
	return false
}

func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		if x < 0 {
			return 0
		}
		return int(x)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

func asTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
