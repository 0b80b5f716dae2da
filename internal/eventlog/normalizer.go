package eventlog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// ErrMalformedRecord is returned for rows that lack what an event needs
var ErrMalformedRecord = errors.New("malformed record")

// Normalizer maps raw rows to events. It holds no state between calls.
type Normalizer struct {
	Tags       []string
	Notify     []string
	TagEventID bool
}

// Normalize converts one row
func (n Normalizer) Normalize(rec types.RawRecord) (types.Event, error) {
	generated, ok := rec.String("TimeGenerated")
	if !ok {
		return types.Event{}, fmt.Errorf("%w: missing TimeGenerated", ErrMalformedRecord)
	}
	dt, err := wmi.ParseDateTime(generated)
	if err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	logfile, ok := rec.String("Logfile")
	if !ok || logfile == "" {
		return types.Event{}, fmt.Errorf("%w: missing Logfile", ErrMalformedRecord)
	}
	source, ok := rec.String("SourceName")
	if !ok || source == "" {
		return types.Event{}, fmt.Errorf("%w: missing SourceName", ErrMalformedRecord)
	}

	eventType, _ := rec.String("Type")

	return types.Event{
		Timestamp:      dt.Unix(),
		Title:          logfile + "/" + source,
		Body:           n.body(rec),
		Severity:       types.SeverityFromType(eventType),
		AggregationKey: source,
		Tags:           n.tags(rec),
	}, nil
}

func (n Normalizer) body(rec types.RawRecord) string {
	var text string
	if msg, ok := rec.String("Message"); ok {
		text = msg + "\n"
	} else if rec.Has("InsertionStrings") {
		var lines []string
		for _, s := range rec.Strings("InsertionStrings") {
			if strings.TrimSpace(s) != "" {
				lines = append(lines, s)
			}
		}
		text = strings.Join(lines, "\n")
	}

	if len(n.Notify) > 0 {
		mentions := make([]string, len(n.Notify))
		for i, who := range n.Notify {
			mentions[i] = " @" + who
		}
		text += "\n" + strings.Join(mentions, " ")
	}

	return strings.TrimSpace(text)
}

func (n Normalizer) tags(rec types.RawRecord) []string {
	if !n.TagEventID {
		if n.Tags == nil {
			return nil
		}
		return append([]string(nil), n.Tags...)
	}

	tags := make([]string, 0, len(n.Tags)+1)
	tags = append(tags, n.Tags...)
	code, _ := rec.String("EventCode")
	return append(tags, "event_id:"+code)
}
