package types

import (
	"fmt"
	"strconv"
	"time"
)

// Constants carried on every emitted payload
const (
	EventType      = "win32_log_event"
	SourceTypeName = "event viewer"
)

// RawRecord is an unnormalized row returned by a query collaborator
type RawRecord map[string]any

// Has reports whether the field is present and non-nil
func (r RawRecord) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// String returns the field rendered as a string. Numbers are formatted
// without a fractional part when they hold an integral value.
func (r RawRecord) String(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case int:
		return strconv.Itoa(val), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case uint16:
		return strconv.FormatUint(uint64(val), 10), true
	case uint32:
		return strconv.FormatUint(uint64(val), 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return fmt.Sprint(val), true
	}
}

// Strings returns a list-valued field. A scalar is returned as a one element list.
func (r RawRecord) Strings(field string) []string {
	v, ok := r[field]
	if !ok || v == nil {
		return nil
	}

	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		s, _ := r.String(field)
		return []string{s}
	}
}

// Severity is the normalized alert level
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SeverityFromType maps the raw event log Type field to a Severity
func SeverityFromType(t string) Severity {
	switch t {
	case "Warning":
		return SeverityWarning
	case "Error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Event is the canonical normalized event
type Event struct {
	Timestamp      int64    `json:"timestamp"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Severity       Severity `json:"severity"`
	AggregationKey string   `json:"aggregation_key"`
	Tags           []string `json:"tags,omitempty"`
}

// Time returns the event timestamp as a UTC time
func (e Event) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// EventPayload is the record handed to an emission sink
type EventPayload struct {
	Timestamp      int64    `json:"timestamp"`
	EventType      string   `json:"event_type"`
	APIKey         string   `json:"api_key"`
	MsgTitle       string   `json:"msg_title"`
	MsgText        string   `json:"msg_text"`
	AggregationKey string   `json:"aggregation_key"`
	AlertType      string   `json:"alert_type"`
	SourceTypeName string   `json:"source_type_name"`
	Host           string   `json:"host"`
	Tags           []string `json:"tags"`
}

// NewEventPayload builds the sink record for an event
func NewEventPayload(ev Event, apiKey, host string) *EventPayload {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	return &EventPayload{
		Timestamp:      ev.Timestamp,
		EventType:      EventType,
		APIKey:         apiKey,
		MsgTitle:       ev.Title,
		MsgText:        ev.Body,
		AggregationKey: ev.AggregationKey,
		AlertType:      string(ev.Severity),
		SourceTypeName: SourceTypeName,
		Host:           host,
		Tags:           tags,
	}
}

// Size returns an approximate payload size in bytes, used for batching
func (p *EventPayload) Size() int {
	n := len(p.MsgTitle) + len(p.MsgText) + len(p.AggregationKey) + len(p.Host)
	for _, t := range p.Tags {
		n += len(t)
	}
	return n
}

// Time returns the payload timestamp as a UTC time
func (p *EventPayload) Time() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// Cursor is the persisted per-target bookmark
type Cursor struct {
	Key      string    `json:"key"`
	LastSeen time.Time `json:"last_seen"`
}
