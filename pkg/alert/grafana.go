package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// grafanaLegacyPayload is a legacy dashboard-rule alert notification.
type grafanaLegacyPayload struct {
	Title       string                   `json:"title"`
	RuleName    string                   `json:"ruleName"`
	RuleURL     string                   `json:"ruleUrl"`
	State       string                   `json:"state"`
	Message     string                   `json:"message"`
	Tags        map[string]string        `json:"tags"`
	EvalMatches []grafanaLegacyEvalMatch `json:"evalMatches"`
}

type grafanaLegacyEvalMatch struct {
	Metric string            `json:"metric"`
	Tags   map[string]string `json:"tags"`
}

// normalizeGrafana converts a legacy dashboard-rule alert. Legacy payloads
// carry no timestamp, so delivery time is used. Only the alerting state is
// correlated; OK and no-data notifications are dropped.
func normalizeGrafana(payload []byte) ([]NormalizedAlert, error) {
	var p grafanaLegacyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding grafana alert: %w", err)
	}

	if p.State != "alerting" {
		return nil, nil
	}

	message := p.Message
	if message == "" {
		message = p.Title
	}

	metric := ""

	raw := make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		raw[k] = v
	}

	for _, match := range p.EvalMatches {
		if metric == "" {
			metric = match.Metric
		}

		for k, v := range match.Tags {
			if _, exists := raw[k]; !exists {
				raw[k] = v
			}
		}
	}

	return []NormalizedAlert{{
		Source:  SourceGrafana,
		Tags:    tagsFromMap(raw),
		RawTags: raw,
		Message: message,
		Time:    time.Now().UTC(),
		Metric:  metric,
		URL:     p.RuleURL,
	}}, nil
}
