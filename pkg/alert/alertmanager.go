package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// alertmanagerPayload is an Alertmanager webhook delivery.
type alertmanagerPayload struct {
	Alerts []alertmanagerAlert `json:"alerts"`
}

type alertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	GeneratorURL string            `json:"generatorURL"`
}

// normalizeAlertmanager converts an Alertmanager delivery. Only firing
// alerts are correlated; resolution notifications are dropped.
func normalizeAlertmanager(payload []byte) ([]NormalizedAlert, error) {
	var p alertmanagerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding alertmanager alert: %w", err)
	}

	alerts := make([]NormalizedAlert, 0, len(p.Alerts))

	for _, a := range p.Alerts {
		if a.Status != "firing" {
			continue
		}

		message := a.Annotations["summary"]
		if message == "" {
			message = a.Annotations["description"]
		}

		if message == "" {
			message = a.Labels["alertname"]
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
			Source:       SourceAlertmanager,
			Tags:         tagsFromMap(raw),
			RawTags:      raw,
			Message:      message,
			Time:         t,
			Metric:       a.Labels["alertname"],
			GeneratorURL: a.GeneratorURL,
		})
	}

	return alerts, nil
}
