package dedupe

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// AnyEvent is the Fields key that applies to event types without their own
// entry.
const AnyEvent = "*"

// DefaultFields is the content that makes two triggers "the same": the task
// they describe and what was observed about it. Envelope fields such as
// sequence and sent_at are deliberately absent, otherwise no retry would
// ever match.
func DefaultFields() map[string][]string {
	return map[string][]string{
		AnyEvent:    {"task_id", "io_id", "note", "task_done"},
		"heartbeat": {"preview_active", "tasks_active"},
	}
}

// Fingerprinter derives dedupe keys from trigger content. Which payload
// fields participate is configurable per event type.
type Fingerprinter struct {
	fields map[string][]string
}

// NewFingerprinter builds a Fingerprinter. A nil or empty map uses
// DefaultFields.
func NewFingerprinter(fields map[string][]string) *Fingerprinter {
	if len(fields) == 0 {
		fields = DefaultFields()
	}
	cp := make(map[string][]string, len(fields))
	for k, v := range fields {
		cp[k] = append([]string(nil), v...)
	}
	return &Fingerprinter{fields: cp}
}

// FieldsFor returns the payload fields used for an event type.
func (f *Fingerprinter) FieldsFor(eventType string) []string {
	if fs, ok := f.fields[eventType]; ok {
		return fs
	}
	return f.fields[AnyEvent]
}

// Key hashes (edge_id, event_type, content) into a fixed-size hex key.
func (f *Fingerprinter) Key(edgeID, eventType string, payload map[string]any) string {
	content := make(map[string]any)
	for _, name := range f.FieldsFor(eventType) {
		if v, ok := payload[name]; ok {
			content[name] = v
		}
	}

	// map keys marshal sorted, so equal content always encodes equally
	encoded, err := json.Marshal(content)
	if err != nil {
		encoded = []byte(fmt.Sprint(content))
	}

	h := blake3.New()
	h.Write([]byte(edgeID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil))
}
