package syncstore

import (
	"encoding/json"
)

// Metadata fields stamped onto every persisted document. The coordinator
// is the only writer of these; callers never set them directly.
const (
	FieldUpdatedAt = "updatedAt"
	FieldOwnerID   = "ownerId"

	wrappedValueField = "value"
)

type DocumentKind int

const (
	// DocumentObject is a structured document persisted field-by-field.
	DocumentObject DocumentKind = iota
	// DocumentWrapped carries a primitive or array under a single value
	// field so the persisted shape is always a document.
	DocumentWrapped
)

// Document is the unit of storage, resolved to an explicit shape at the
// serialization boundary instead of re-inspecting payloads at runtime.
type Document struct {
	Kind   DocumentKind
	Fields map[string]any
	Value  any
}

// NewDocument classifies caller data. Maps persist as-is; everything else
// (primitives, arrays, nil) is wrapped.
func NewDocument(data any) Document {
	switch fields := data.(type) {
	case map[string]any:
		return Document{Kind: DocumentObject, Fields: fields}
	default:
		return Document{Kind: DocumentWrapped, Value: data}
	}
}

// Payload returns the caller-visible shape: the object fields without
// system metadata, or the unwrapped value.
func (d Document) Payload() any {
	if d.Kind == DocumentWrapped {
		return d.Value
	}
	payload := make(map[string]any, len(d.Fields))
	for name, value := range d.Fields {
		if name == FieldUpdatedAt || name == FieldOwnerID {
			continue
		}
		payload[name] = value
	}
	return payload
}

func encodeDocument(doc Document, updatedAt int64, ownerID string) map[string]any {
	var stored map[string]any
	if doc.Kind == DocumentWrapped {
		stored = map[string]any{wrappedValueField: doc.Value}
	} else {
		stored = make(map[string]any, len(doc.Fields)+2)
		for name, value := range doc.Fields {
			stored[name] = value
		}
	}
	stored[FieldUpdatedAt] = updatedAt
	stored[FieldOwnerID] = ownerID
	return stored
}

// decodeDocument recovers the caller-visible shape from a stored
// document. A stored object whose only payload field is "value" is
// indistinguishable from a wrapped primitive and decodes as one: a
// caller map like {"value": 5} reads back as 5. The persisted wrapper
// shape is fixed, so the collision cannot be resolved at this layer.
func decodeDocument(stored map[string]any) Document {
	payloadKeys := 0
	hasValue := false
	for name := range stored {
		if name == FieldUpdatedAt || name == FieldOwnerID {
			continue
		}
		payloadKeys++
		if name == wrappedValueField {
			hasValue = true
		}
	}
	if payloadKeys == 1 && hasValue {
		return Document{Kind: DocumentWrapped, Value: stored[wrappedValueField]}
	}
	return Document{Kind: DocumentObject, Fields: stored}
}

// documentUpdatedAt reads the write timestamp off a stored document.
// Missing or malformed timestamps read as zero, which loses every
// last-writer-wins comparison against a stamped local copy.
func documentUpdatedAt(stored map[string]any) int64 {
	raw, ok := stored[FieldUpdatedAt]
	if !ok {
		return 0
	}
	switch ts := raw.(type) {
	case int64:
		return ts
	case float64:
		return int64(ts)
	case int:
		return int64(ts)
	case json.Number:
		parsed, err := ts.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
