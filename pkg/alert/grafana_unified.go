package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// excludedUnifiedAlertNames are infrastructure-noise alerts Grafana fires
// when a datasource misbehaves; they say nothing about the system under
// test and are never correlated.
var excludedUnifiedAlertNames = map[string]struct{}{
	"DatasourceNoData": {},
	"DatasourceError":  {},
}

// grafanaUnifiedPayload is a unified-alerting webhook delivery. One
// delivery can carry multiple fired alerts.
type grafanaUnifiedPayload struct {
	Title   string                `json:"title"`
	Message string                `json:"message"`
	Alerts  []grafanaUnifiedAlert `json:"alerts"`
}

type grafanaUnifiedAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	GeneratorURL string            `json:"generatorURL"`
	PanelURL     string            `json:"panelURL"`
	ValueString  string            `json:"valueString"`
}

// normalizeGrafanaUnified converts a unified-alerting webhook, one
// normalized alert per firing entry.
func normalizeGrafanaUnified(payload []byte) ([]NormalizedAlert, error) {
	var p grafanaUnifiedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding grafana unified alert: %w", err)
	}

	alerts := make([]NormalizedAlert, 0, len(p.Alerts))

	for _, a := range p.Alerts {
		if a.Status != "firing" {
			continue
		}

		if _, excluded := excludedUnifiedAlertNames[a.Labels["alertname"]]; excluded {
			continue
		}

		message := a.Annotations["summary"]
		if message == "" {
			message = p.Title
		}

		t := a.StartsAt
		if t.IsZero() {
			t = time.Now().UTC()
		}

		raw := make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			raw[k] = v
		}

		alerts = append(alerts, NormalizedAlert{
			Source:       SourceGrafanaUnified,
			Tags:         tagsFromMap(raw),
			RawTags:      raw,
			Message:      message,
			Time:         t,
			Metric:       a.Labels["alertname"],
			GeneratorURL: a.GeneratorURL,
			PanelURL:     a.PanelURL,
		})
	}

	return alerts, nil
}
