package alert_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perflens/perflens/pkg/alert"
	"github.com/perflens/perflens/pkg/annotate"
	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/store"
)

// captureDispatcher records enqueued annotation jobs instead of posting
// them.
type captureDispatcher struct {
	mu   sync.Mutex
	jobs []*annotate.Job
}

func (d *captureDispatcher) Start(context.Context) error { return nil }
func (d *captureDispatcher) Stop() error                 { return nil }

func (d *captureDispatcher) Enqueue(job *annotate.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.jobs = append(d.jobs, job)
}

func (d *captureDispatcher) Jobs() []*annotate.Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*annotate.Job{}, d.jobs...)
}

func setupCorrelator(
	t *testing.T,
) (*alert.Correlator, store.Store, *captureDispatcher) {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	dispatcher := &captureDispatcher{}

	return alert.NewCorrelator(log, s, dispatcher), s, dispatcher
}

func insertRun(
	t *testing.T, s store.Store, testRunID string, start, end time.Time,
) {
	t.Helper()

	require.NoError(t, s.InsertTestRun(context.Background(), &store.TestRun{
		TestRunID:       testRunID,
		Application:     "MyApp",
		TestType:        "loadTest",
		TestEnvironment: "acc",
		Start:           start,
		End:             end,
		Valid:           true,
	}))
}

func kapacitorBody(t *testing.T, level, previousLevel string, tags map[string]string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":            "cpu-rule",
		"message":       "CPU usage too high",
		"level":         level,
		"previousLevel": previousLevel,
		"data": map[string]any{
			"series": []map[string]any{
				{"name": "cpu", "tags": tags},
			},
		},
	})
	require.NoError(t, err)

	return body
}

func TestCorrelator_KapacitorMatch(t *testing.T) {
	c, s, dispatcher := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	require.NoError(t, s.Seed(ctx, &config.Seed{
		Dashboards: []config.DashboardSeed{{
			Application: "MyApp", TestEnvironment: "acc",
			DashboardUID: "uid-1",
		}},
	}))

	matches, err := c.Process(ctx, alert.SourceKapacitor,
		kapacitorBody(t, "CRITICAL", "OK", map[string]string{
			"system_under_test": "MyApp",
			"test_environment":  "acc",
			"host":              "lt-1",
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	run, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Alerts, 1)

	recorded := run.Alerts[0]
	assert.Equal(t, "CPU usage too high", recorded.Message)

	// Source tag first, then the measurement, then the alert's own tags.
	require.True(t, len(recorded.Tags) >= 2)
	assert.Equal(t, store.Tag{Key: "source", Value: "kapacitor"},
		recorded.Tags[0])
	assert.Equal(t, store.Tag{Key: "measurement", Value: "cpu"},
		recorded.Tags[1])

	jobs := dispatcher.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "uid-1", jobs[0].DashboardUID)
	assert.Equal(t, recorded.ID, jobs[0].AlertID)
}

func TestCorrelator_WindowExcludesStaleRuns(t *testing.T) {
	c, s, dispatcher := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()

	// The run's last ping is outside the correlation window.
	insertRun(t, s, "run-1", now.Add(-5*time.Minute), now.Add(-40*time.Second))

	matches, err := c.Process(ctx, alert.SourceKapacitor,
		kapacitorBody(t, "CRITICAL", "OK", map[string]string{
			"system_under_test": "MyApp",
			"test_environment":  "acc",
		}))
	require.NoError(t, err)
	assert.Zero(t, matches)

	run, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, run.Alerts)
	assert.Empty(t, dispatcher.Jobs())
}

func TestCorrelator_KapacitorRequiresEdgeTransition(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	// Still critical, not newly critical: no alert.
	matches, err := c.Process(ctx, alert.SourceKapacitor,
		kapacitorBody(t, "CRITICAL", "CRITICAL", map[string]string{
			"system_under_test": "MyApp",
			"test_environment":  "acc",
		}))
	require.NoError(t, err)
	assert.Zero(t, matches)
}

func TestCorrelator_AbortRuleFlagsRun(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	require.NoError(t, s.Seed(ctx, &config.Seed{
		AbortRules: []config.AbortRuleSeed{{
			Application: "MyApp", TestType: "loadTest",
			TestEnvironment: "acc", AlertSource: "kapacitor",
			TagKey: "severity", TagValue: "critical",
		}},
	}))

	matches, err := c.Process(ctx, alert.SourceKapacitor,
		kapacitorBody(t, "CRITICAL", "OK", map[string]string{
			"system_under_test": "MyApp",
			"test_environment":  "acc",
			"severity":          "critical",
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	run, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, run.Abort)
	assert.Contains(t, run.AbortMessage, "severity=critical")
	assert.Contains(t, run.AbortMessage, "CPU usage too high")
}

func TestCorrelator_OmitTagFiltering(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	require.NoError(t, s.Seed(ctx, &config.Seed{
		OmitTagRules: []config.OmitTagRuleSeed{{
			AlertSource: "kapacitor", TagKey: "host",
		}},
		// An abort rule on the omitted key still fires: abort evaluation
		// sees the raw tags, omit filtering only shapes the stored list.
		AbortRules: []config.AbortRuleSeed{{
			Application: "MyApp", TestType: "loadTest",
			TestEnvironment: "acc", AlertSource: "kapacitor",
			TagKey: "host",
		}},
	}))

	matches, err := c.Process(ctx, alert.SourceKapacitor,
		kapacitorBody(t, "CRITICAL", "OK", map[string]string{
			"system_under_test": "MyApp",
			"test_environment":  "acc",
			"host":              "lt-1",
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	run, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Alerts, 1)

	for _, tag := range run.Alerts[0].Tags {
		assert.NotEqual(t, "host", tag.Key)
	}

	assert.True(t, run.Abort)
}

func TestCorrelator_GrafanaUnifiedExcludesDatasourceAlerts(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	body, err := json.Marshal(map[string]any{
		"title": "firing alerts",
		"alerts": []map[string]any{
			{
				"status":   "firing",
				"labels":   map[string]string{"alertname": "DatasourceNoData"},
				"startsAt": now.Format(time.RFC3339),
			},
			{
				"status": "firing",
				"labels": map[string]string{
					"alertname":         "HighLatency",
					"system_under_test": "MyApp",
					"test_environment":  "acc",
				},
				"annotations": map[string]string{"summary": "P99 above limit"},
				"startsAt":    now.Format(time.RFC3339),
			},
		},
	})
	require.NoError(t, err)

	// The body shape routes to the unified parser.
	assert.Equal(t, alert.SourceGrafanaUnified, alert.DetectGrafanaSource(body))

	matches, err := c.Process(ctx, alert.DetectGrafanaSource(body), body)
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	run, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Alerts, 1)
	assert.Equal(t, "P99 above limit", run.Alerts[0].Message)
}

func TestCorrelator_GrafanaLegacyOnlyAlertingState(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	body, err := json.Marshal(map[string]any{
		"title": "CPU alert",
		"state": "ok",
		"tags": map[string]string{
			"system_under_test": "MyApp",
			"test_environment":  "acc",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, alert.SourceGrafana, alert.DetectGrafanaSource(body))

	matches, err := c.Process(ctx, alert.SourceGrafana, body)
	require.NoError(t, err)
	assert.Zero(t, matches)
}

func alertmanagerBody(t *testing.T, startsAt time.Time, labels map[string]string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"alerts": []map[string]any{{
			"status":      "firing",
			"labels":      labels,
			"annotations": map[string]string{"summary": "pod restarting"},
			"startsAt":    startsAt.Format(time.RFC3339),
		}},
	})
	require.NoError(t, err)

	return body
}

func TestCorrelator_AlertmanagerStartsAtGate(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	labels := map[string]string{
		"alertname":         "PodRestart",
		"system_under_test": "MyApp",
		"namespace":         "acc",
	}

	// An alert that started before the run is not attributable to it.
	matches, err := c.Process(ctx, alert.SourceAlertmanager,
		alertmanagerBody(t, now.Add(-10*time.Minute), labels))
	require.NoError(t, err)
	assert.Zero(t, matches)

	matches, err = c.Process(ctx, alert.SourceAlertmanager,
		alertmanagerBody(t, now, labels))
	require.NoError(t, err)
	assert.Equal(t, 1, matches)
}

func TestCorrelator_AlertmanagerMappingRules(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	// With mapping rules configured, default matching is bypassed and every
	// rule must match. The pattern resolves run placeholders first.
	require.NoError(t, s.Seed(ctx, &config.Seed{
		AlertMapping: []config.AlertMapSeed{{
			Application: "MyApp",
			Label:       "namespace",
			Value:       "{{testEnvironment}}-.*",
		}},
	}))

	matches, err := c.Process(ctx, alert.SourceAlertmanager,
		alertmanagerBody(t, now, map[string]string{
			"alertname": "PodRestart",
			"namespace": "acc-5",
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	matches, err = c.Process(ctx, alert.SourceAlertmanager,
		alertmanagerBody(t, now, map[string]string{
			"alertname": "PodRestart",
			"namespace": "prod-5",
		}))
	require.NoError(t, err)
	assert.Zero(t, matches)
}

func TestCorrelator_MalformedPayload(t *testing.T) {
	c, _, _ := setupCorrelator(t)

	_, err := c.Process(
		context.Background(), alert.SourceKapacitor, []byte("{not json"),
	)
	assert.ErrorIs(t, err, alert.ErrMalformedPayload)
}

func TestCorrelator_ProcessEvent(t *testing.T) {
	c, s, _ := setupCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertRun(t, s, "run-1", now.Add(-time.Minute), now)

	matches, err := c.ProcessEvent(ctx, &alert.Event{
		Application:     "MyApp",
		TestEnvironment: "acc",
		Title:           "Deployment",
		Description:     "release 1.2.3 rolled out",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	// Lifecycle-owned titles are never recorded as events.
	matches, err = c.ProcessEvent(ctx, &alert.Event{
		Application:     "MyApp",
		TestEnvironment: "acc",
		Title:           "Test start",
	})
	require.NoError(t, err)
	assert.Zero(t, matches)

	// Environment mismatch: no correlation.
	matches, err = c.ProcessEvent(ctx, &alert.Event{
		Application:     "MyApp",
		TestEnvironment: "prod",
		Title:           "Deployment",
	})
	require.NoError(t, err)
	assert.Zero(t, matches)

	run, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Events, 1)
	assert.Equal(t, "Deployment", run.Events[0].Title)

	_, err = c.ProcessEvent(ctx, &alert.Event{Title: "Deployment"})
	assert.ErrorIs(t, err, alert.ErrMalformedPayload)
}
