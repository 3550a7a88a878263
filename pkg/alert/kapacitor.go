package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// kapacitorPayload is a time-series-rule alert from Kapacitor.
type kapacitorPayload struct {
	ID            string        `json:"id"`
	Message       string        `json:"message"`
	Time          time.Time     `json:"time"`
	Level         string        `json:"level"`
	PreviousLevel string        `json:"previousLevel"`
	Data          kapacitorData `json:"data"`
}

type kapacitorData struct {
	Series []kapacitorSeries `json:"series"`
}

type kapacitorSeries struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
}

// normalizeKapacitor converts a Kapacitor alert. Correlation is
// edge-triggered: only the OK to CRITICAL transition produces alerts, so a
// rule that stays critical does not re-fire on every evaluation.
func normalizeKapacitor(payload []byte) ([]NormalizedAlert, error) {
	var p kapacitorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding kapacitor alert: %w", err)
	}

	if p.PreviousLevel != "OK" || p.Level != "CRITICAL" {
		return nil, nil
	}

	t := p.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}

	alerts := make([]NormalizedAlert, 0, len(p.Data.Series))

	for _, series := range p.Data.Series {
		raw := make(map[string]string, len(series.Tags))
		for k, v := range series.Tags {
			raw[k] = v
		}

		alerts = append(alerts, NormalizedAlert{
			Source:  SourceKapacitor,
			Tags:    tagsFromMap(raw),
			RawTags: raw,
			Message: p.Message,
			Time:    t,
			Metric:  series.Name,
		})
	}

	return alerts, nil
}
