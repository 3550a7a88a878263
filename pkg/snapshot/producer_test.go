package snapshot_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/queue"
	"github.com/perflens/perflens/pkg/snapshot"
	"github.com/perflens/perflens/pkg/store"
)

func setupProducer(
	t *testing.T,
) (*snapshot.Producer, store.Store, queue.Store) {
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

	q := queue.NewStore(log, cfg, time.Hour)
	require.NoError(t, q.Start(context.Background()))

	t.Cleanup(func() { _ = q.Stop() })

	defaults := config.DefaultsConfig{
		SnapshotExpires:    7776000,
		DataRetention:      2592000,
		MinTestRunDuration: 60,
	}

	grafana := config.GrafanaConfig{
		URL:             "http://grafana.local",
		LoginURL:        "http://grafana.local/login",
		Label:           "Default",
		SnapshotTimeout: 4,
	}

	return snapshot.NewProducer(log, s, q, defaults, grafana), s, q
}

func seedTree(t *testing.T, s store.Store, baseline string) {
	t.Helper()

	require.NoError(t, s.CreateApplication(
		context.Background(),
		&store.Application{
			Name: "MyApp",
			TestEnvironments: []store.TestEnvironment{{
				Name: "acc",
				TestTypes: []store.TestType{{
					Name:            "loadTest",
					BaselineTestRun: baseline,
				}},
			}},
		},
	))
}

func completedRun(testRunID string, duration int64, end time.Time) *store.TestRun {
	return &store.TestRun{
		TestRunID:       testRunID,
		Application:     "MyApp",
		TestType:        "loadTest",
		TestEnvironment: "acc",
		Start:           end.Add(-time.Duration(duration) * time.Second),
		End:             end,
		Duration:        duration,
		Completed:       true,
		Valid:           true,
	}
}

func dequeueJob(
	t *testing.T, q queue.Store, queueName string,
) *snapshot.Job {
	t.Helper()

	msg, err := q.Get(context.Background(), queueName)
	require.NoError(t, err)

	var job snapshot.Job
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &job))

	return &job
}

func TestProducer_RoutesCheckedDashboards(t *testing.T) {
	p, s, q := setupProducer(t)
	ctx := context.Background()

	seedTree(t, s, "baseline-run")

	require.NoError(t, s.Seed(ctx, &config.Seed{
		Dashboards: []config.DashboardSeed{
			{
				Application: "MyApp", TestEnvironment: "acc",
				DashboardUID: "uid-plain", DashboardLabel: "Gatling",
			},
			{
				Application: "MyApp", TestEnvironment: "acc",
				DashboardUID: "uid-checked", DashboardLabel: "JVM",
			},
		},
		Benchmarks: []config.BenchmarkSeed{{
			Application: "MyApp", TestType: "loadTest",
			TestEnvironment: "acc", DashboardUID: "uid-checked",
		}},
	}))

	run := completedRun("run-1", 300, time.Now().UTC())
	require.NoError(t, s.InsertTestRun(ctx, run))
	require.NoError(t, p.Produce(ctx, run))

	checked := dequeueJob(t, q, queue.QueueSnapshotsWithChecks)
	assert.Equal(t, "uid-checked", checked.DashboardUID)
	assert.True(t, checked.HasChecks)
	assert.Equal(t, snapshot.JobStatusNew, checked.Status)
	assert.Equal(t, "Default", checked.Grafana)
	assert.Equal(t, "http://grafana.local/login", checked.LoginURL)
	assert.Equal(t, int64(7776000), checked.Expires)

	plain := dequeueJob(t, q, queue.QueueSnapshots)
	assert.Equal(t, "uid-plain", plain.DashboardUID)
	assert.False(t, plain.HasChecks)

	// One job per dashboard, no more.
	_, err := q.Get(ctx, queue.QueueSnapshots)
	assert.ErrorIs(t, err, queue.ErrEmpty)
	_, err = q.Get(ctx, queue.QueueSnapshotsWithChecks)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestProducer_BaselineSnapshotsNeverExpire(t *testing.T) {
	p, s, q := setupProducer(t)
	ctx := context.Background()

	seedTree(t, s, "run-1")

	require.NoError(t, s.Seed(ctx, &config.Seed{
		Dashboards: []config.DashboardSeed{{
			Application: "MyApp", TestEnvironment: "acc",
			DashboardUID: "uid-1",
		}},
	}))

	run := completedRun("run-1", 300, time.Now().UTC())
	require.NoError(t, s.InsertTestRun(ctx, run))
	require.NoError(t, p.Produce(ctx, run))

	job := dequeueJob(t, q, queue.QueueSnapshots)
	assert.Zero(t, job.Expires)
}

func TestProducer_SkipsDashboardsPastRetention(t *testing.T) {
	p, s, q := setupProducer(t)
	ctx := context.Background()

	seedTree(t, s, "")

	// uid-short retains one hour of data; uid-long uses the default window.
	require.NoError(t, s.Seed(ctx, &config.Seed{
		Dashboards: []config.DashboardSeed{
			{
				Application: "MyApp", TestEnvironment: "acc",
				DashboardUID: "uid-short", Retention: 3600,
			},
			{
				Application: "MyApp", TestEnvironment: "acc",
				DashboardUID: "uid-long",
			},
		},
	}))

	run := completedRun("run-1", 300, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, s.InsertTestRun(ctx, run))
	require.NoError(t, p.Produce(ctx, run))

	job := dequeueJob(t, q, queue.QueueSnapshots)
	assert.Equal(t, "uid-long", job.DashboardUID)

	_, err := q.Get(ctx, queue.QueueSnapshots)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestProducer_ShortRunMarkedInvalid(t *testing.T) {
	p, s, q := setupProducer(t)
	ctx := context.Background()

	seedTree(t, s, "run-1")

	require.NoError(t, s.Seed(ctx, &config.Seed{
		Dashboards: []config.DashboardSeed{{
			Application: "MyApp", TestEnvironment: "acc",
			DashboardUID: "uid-1",
		}},
	}))

	run := completedRun("run-1", 30, time.Now().UTC())
	require.NoError(t, s.InsertTestRun(ctx, run))
	require.NoError(t, p.Produce(ctx, run))

	// No jobs for a run too short to be meaningful.
	_, err := q.Get(ctx, queue.QueueSnapshots)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	loaded, err := s.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, loaded.Valid)
	require.Len(t, loaded.ReasonsNotValid, 1)
	assert.Contains(t, loaded.ReasonsNotValid[0], "below the minimum")

	// The short run was the baseline: the reference is cleared.
	app, err := s.GetApplication(ctx, "MyApp")
	require.NoError(t, err)
	assert.Empty(t, app.TestEnvironments[0].TestTypes[0].BaselineTestRun)
}
