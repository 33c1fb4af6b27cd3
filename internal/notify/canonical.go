package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// Envelope is the canonical message body for a state transition: keys sorted, no
// whitespace, ids written as bare numbers.
func Envelope(tr models.StateTransition) ([]byte, error) {
	return marshalSorted(map[string]any{
		"id":         tr.ID.String(),
		"entity":     string(tr.Entity),
		"entityId":   json.Number(strconv.FormatInt(tr.EntityID, 10)),
		"fromState":  string(tr.FromState),
		"toState":    string(tr.ToState),
		"occurredAt": tr.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

// marshalSorted writes a flat object of strings and json.Numbers with keys in order.
func marshalSorted(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		switch v := fields[k].(type) {
		case json.Number:
			buf.WriteString(v.String())
		case string:
			vb, _ := json.Marshal(v)
			buf.Write(vb)
		default:
			return nil, fmt.Errorf("envelope field %q: unsupported type %T", k, v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MessageKey keys transitions by entity so one entity's events stay ordered on a partition.
func MessageKey(tr models.StateTransition) []byte {
	return []byte(fmt.Sprintf("%s/%d", tr.Entity, tr.EntityID))
}
