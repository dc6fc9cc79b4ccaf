package memory

import (
	"encoding/json"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Metadata is the open string-keyed map attached to every record. The
// freshness sub-record is always present; everything else is caller-supplied
// scalars.
type Metadata struct {
	Freshness Freshness
	Extra     map[string]any
}

const freshnessKey = "freshness"

// metadataSchema enforces the scalar-only shape of caller-supplied metadata.
var metadataSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"additionalProperties": {
		"type": ["string", "number", "integer", "boolean", "null"]
	}
}`)

// sanitizeExtra validates caller metadata against the scalar-only schema and
// drops offending keys rather than failing the save.
func sanitizeExtra(meta map[string]any) (map[string]any, []string) {
	if len(meta) == 0 {
		return map[string]any{}, nil
	}

	result, err := gojsonschema.Validate(metadataSchema, gojsonschema.NewGoLoader(meta))
	if err == nil && result.Valid() {
		out := make(map[string]any, len(meta))
		for k, v := range meta {
			out[k] = v
		}
		return out, nil
	}

	// Keep the scalar subset
	out := make(map[string]any, len(meta))
	var dropped []string
	for k, v := range meta {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, json.Number:
			out[k] = v
		default:
			dropped = append(dropped, k)
		}
	}
	return out, dropped
}

// MarshalJSON flattens Extra alongside the freshness sub-object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		if k == freshnessKey {
			continue
		}
		flat[k] = v
	}
	flat[freshnessKey] = m.Freshness
	return json.Marshal(flat)
}

// UnmarshalJSON restores the freshness sub-object and the open map.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	m.Extra = make(map[string]any, len(flat))
	for k, raw := range flat {
		if k == freshnessKey {
			if err := json.Unmarshal(raw, &m.Freshness); err != nil {
				return err
			}
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		m.Extra[k] = v
	}
	return nil
}

// decodeMetadata parses stored metadata JSON. Malformed payloads degrade to an
// empty map with freshness rebuilt from the type defaults, never an error.
func decodeMetadata(raw string, typ MemoryType, createdAt time.Time) Metadata {
	var m Metadata
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			if m.Extra == nil {
				m.Extra = map[string]any{}
			}
			if m.Freshness.TTLDays <= 0 {
				m.Freshness = newFreshness(typ, 0, createdAt)
			}
			return m
		}
	}
	return Metadata{
		Freshness: newFreshness(typ, 0, createdAt),
		Extra:     map[string]any{},
	}
}

// newFreshness builds a freshness sub-record. ttlDays of zero selects the
// type default. ExpiresAt is never before VerifiedAt.
func newFreshness(typ MemoryType, ttlDays int, now time.Time) Freshness {
	if ttlDays <= 0 {
		ttlDays = typ.DefaultTTLDays()
	}
	return Freshness{
		TTLDays:    ttlDays,
		VerifiedAt: now,
		ExpiresAt:  now.Add(time.Duration(ttlDays) * 24 * time.Hour),
		Status:     FreshnessActive,
	}
}
