package alert

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/perflens/perflens/pkg/store"
)

// Source identifies an external alerting system. The set is closed: each
// source has exactly one normalization function.
type Source string

// Supported alert sources.
const (
	SourceGrafana        Source = "grafana"
	SourceGrafanaUnified Source = "grafana-unified"
	SourceKapacitor      Source = "kapacitor"
	SourceAlertmanager   Source = "alertmanager"
)

// NormalizedAlert is the canonical representation every adapter produces.
// Tags is ordered by sorted key; RawTags is the unfiltered map used for
// abort-rule evaluation before omit filtering is applied.
type NormalizedAlert struct {
	Source  Source
	Tags    []store.Tag
	RawTags map[string]string
	Message string
	Time    time.Time

	// Metric is the measurement or series name, when the payload carries one.
	Metric string

	URL          string
	GeneratorURL string
	PanelURL     string
}

// Tag returns the value of the named tag, or "".
func (a *NormalizedAlert) Tag(key string) string {
	return a.RawTags[key]
}

// Normalize parses a raw webhook payload for the given source into
// canonical alerts. A payload that decodes but triggers no correlation
// (wrong state, excluded alert name) yields an empty slice, not an error.
func Normalize(source Source, payload []byte) ([]NormalizedAlert, error) {
	switch source {
	case SourceGrafana:
		return normalizeGrafana(payload)
	case SourceGrafanaUnified:
		return normalizeGrafanaUnified(payload)
	case SourceKapacitor:
		return normalizeKapacitor(payload)
	case SourceAlertmanager:
		return normalizeAlertmanager(payload)
	default:
		return nil, fmt.Errorf("unknown alert source: %s", source)
	}
}

// DetectGrafanaSource distinguishes unified-alerting webhooks from legacy
// dashboard-rule alerts by payload shape: only unified payloads carry an
// alerts array.
func DetectGrafanaSource(payload []byte) Source {
	var probe struct {
		Alerts []json.RawMessage `json:"alerts"`
	}

	if err := json.Unmarshal(payload, &probe); err == nil &&
		probe.Alerts != nil {
		return SourceGrafanaUnified
	}

	return SourceGrafana
}

// tagsFromMap converts a label map to a tag list ordered by sorted key, so
// normalization output is deterministic across deliveries.
func tagsFromMap(labels map[string]string) []store.Tag {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	tags := make([]store.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, store.Tag{Key: k, Value: labels[k]})
	}

	return tags
}
