package annotate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perflens/perflens/pkg/annotate"
	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/grafana"
	"github.com/perflens/perflens/pkg/store"
)

func setupStore(t *testing.T) store.Store {
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

	return s
}

func startDispatcher(
	t *testing.T, s store.Store, grafanaURL string,
) annotate.Dispatcher {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client := grafana.NewClient(&config.GrafanaConfig{URL: grafanaURL})

	d := annotate.NewDispatcher(log, client, s)
	require.NoError(t, d.Start(context.Background()))

	t.Cleanup(func() { _ = d.Stop() })

	return d
}

func TestDispatcher_RecordsAnnotationID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)

			assert.Equal(t, "/api/annotations", r.URL.Path)

			var req grafana.AnnotationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "uid-1", req.DashboardUID)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 42, "message": "Annotation added"}`))
		}))
	t.Cleanup(srv.Close)

	run := &store.TestRun{TestRunID: "run-1", Application: "MyApp"}
	require.NoError(t, s.InsertTestRun(ctx, run))

	timestamp := time.Now().UTC().Truncate(time.Second)

	alert := &store.TestRunAlert{
		TestRunDBID: run.ID,
		Timestamp:   timestamp,
		Message:     "CPU saturation",
	}
	require.NoError(t, s.AppendAlert(ctx, alert))

	d := startDispatcher(t, s, srv.URL)

	d.Enqueue(&annotate.Job{
		DashboardUID: "uid-1",
		Time:         timestamp,
		Tags:         []string{"kapacitor", "MyApp", "acc"},
		Text:         "CPU saturation",
		AlertID:      alert.ID,
	})

	require.Eventually(t, func() bool {
		loaded, err := s.GetTestRun(ctx, "run-1")
		if err != nil || len(loaded.Alerts) == 0 {
			return false
		}

		return len(loaded.Alerts[0].Annotations) == 1
	}, 2*time.Second, 10*time.Millisecond)

	loaded, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)

	annotation := loaded.Alerts[0].Annotations[0]
	assert.Equal(t, "grafana", annotation.ExternalSystemID)
	assert.Equal(t, "42", annotation.AnnotationID)
	assert.Equal(t, int64(1), requests.Load())
}

func TestDispatcher_LocatesAlertByTimestampAndMessage(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"id": 7}`))
		}))
	t.Cleanup(srv.Close)

	run := &store.TestRun{TestRunID: "run-1", Application: "MyApp"}
	require.NoError(t, s.InsertTestRun(ctx, run))

	timestamp := time.Now().UTC().Truncate(time.Second)

	alert := &store.TestRunAlert{
		TestRunDBID: run.ID,
		Timestamp:   timestamp,
		Message:     "CPU saturation",
	}
	require.NoError(t, s.AppendAlert(ctx, alert))

	d := startDispatcher(t, s, srv.URL)

	// No alert id: the dispatcher falls back to the timestamp and message.
	d.Enqueue(&annotate.Job{
		DashboardUID:   "uid-1",
		Time:           timestamp,
		Text:           "CPU saturation",
		TestRunDBID:    run.ID,
		AlertTimestamp: timestamp,
		AlertMessage:   "CPU saturation",
	})

	require.Eventually(t, func() bool {
		loaded, err := s.GetTestRun(ctx, "run-1")
		if err != nil || len(loaded.Alerts) == 0 {
			return false
		}

		return len(loaded.Alerts[0].Annotations) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_DropsJobOnAPIFailure(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
	t.Cleanup(srv.Close)

	run := &store.TestRun{TestRunID: "run-1", Application: "MyApp"}
	require.NoError(t, s.InsertTestRun(ctx, run))

	alert := &store.TestRunAlert{
		TestRunDBID: run.ID,
		Timestamp:   time.Now().UTC(),
		Message:     "CPU saturation",
	}
	require.NoError(t, s.AppendAlert(ctx, alert))

	d := startDispatcher(t, s, srv.URL)

	d.Enqueue(&annotate.Job{
		DashboardUID: "uid-1",
		Time:         alert.Timestamp,
		Text:         "CPU saturation",
		AlertID:      alert.ID,
	})

	require.Eventually(t, func() bool {
		return requests.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Failed jobs are dropped: no annotation, no retry.
	time.Sleep(50 * time.Millisecond)

	loaded, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, loaded.Alerts, 1)
	assert.Empty(t, loaded.Alerts[0].Annotations)
	assert.Equal(t, int64(1), requests.Load())
}
