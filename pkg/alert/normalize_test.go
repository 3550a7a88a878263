package alert_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perflens/perflens/pkg/alert"
)

func TestNormalize_KapacitorMultiSeries(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"id":            "disk-rule",
		"message":       "disk filling up",
		"level":         "CRITICAL",
		"previousLevel": "OK",
		"data": map[string]any{
			"series": []map[string]any{
				{"name": "disk", "tags": map[string]string{"host": "lt-1"}},
				{"name": "disk", "tags": map[string]string{"host": "lt-2"}},
			},
		},
	})
	require.NoError(t, err)

	alerts, err := alert.Normalize(alert.SourceKapacitor, body)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "lt-1", alerts[0].Tag("host"))
	assert.Equal(t, "lt-2", alerts[1].Tag("host"))
	assert.Equal(t, "disk", alerts[0].Metric)
	assert.Equal(t, "disk filling up", alerts[0].Message)
}

func TestNormalize_GrafanaLegacyMergesEvalMatchTags(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"title":   "CPU alert",
		"state":   "alerting",
		"ruleUrl": "http://grafana.local/d/abc",
		"tags":    map[string]string{"system_under_test": "MyApp"},
		"evalMatches": []map[string]any{{
			"metric": "cpu_usage",
			"tags": map[string]string{
				"host":              "lt-1",
				"system_under_test": "other", // must not override
			},
		}},
	})
	require.NoError(t, err)

	alerts, err := alert.Normalize(alert.SourceGrafana, body)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "CPU alert", a.Message)
	assert.Equal(t, "cpu_usage", a.Metric)
	assert.Equal(t, "http://grafana.local/d/abc", a.URL)

	// Top-level tags win over eval-match tags on key collision.
	assert.Equal(t, "MyApp", a.Tag("system_under_test"))
	assert.Equal(t, "lt-1", a.Tag("host"))

	// The tag list is sorted by key for deterministic storage.
	require.Len(t, a.Tags, 2)
	assert.Equal(t, "host", a.Tags[0].Key)
	assert.Equal(t, "system_under_test", a.Tags[1].Key)
}

func TestNormalize_AlertmanagerMessageFallbacks(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	body, err := json.Marshal(map[string]any{
		"alerts": []map[string]any{
			{
				"status":      "firing",
				"labels":      map[string]string{"alertname": "PodRestart"},
				"annotations": map[string]string{"description": "pod restarted"},
				"startsAt":    now.Format(time.RFC3339),
			},
			{
				"status": "firing",
				"labels": map[string]string{"alertname": "NoAnnotations"},
			},
			{
				"status": "resolved",
				"labels": map[string]string{"alertname": "Resolved"},
			},
		},
	})
	require.NoError(t, err)

	alerts, err := alert.Normalize(alert.SourceAlertmanager, body)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	// summary > description > alertname.
	assert.Equal(t, "pod restarted", alerts[0].Message)
	assert.True(t, alerts[0].Time.Equal(now))
	assert.Equal(t, "NoAnnotations", alerts[1].Message)
}

func TestNormalize_UnknownSource(t *testing.T) {
	_, err := alert.Normalize(alert.Source("pagerduty"), []byte(`{}`))
	assert.Error(t, err)
}
