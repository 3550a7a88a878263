package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/queue"
	"github.com/perflens/perflens/pkg/store"
)

// JobStatus constants for queued snapshot jobs.
const JobStatusNew = "NEW"

// Job is the message enqueued for the out-of-scope snapshot worker. The
// producer guarantees at most one job per eligible dashboard per run.
type Job struct {
	Application     string    `json:"application"`
	TestEnvironment string    `json:"testEnvironment"`
	TestType        string    `json:"testType"`
	TestRunID       string    `json:"testRunId"`
	Grafana         string    `json:"grafana"`
	DashboardUID    string    `json:"dashboardUid"`
	DashboardURL    string    `json:"dashboardUrl"`
	LoginURL        string    `json:"loginUrl"`
	SnapshotTimeout int       `json:"snapshotTimeout"`
	DashboardLabel  string    `json:"dashboardLabel"`
	Expires         int64     `json:"expires"`
	HasChecks       bool      `json:"hasChecks"`
	Status          string    `json:"status"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Producer decides snapshot eligibility per dashboard and enqueues durable
// snapshot jobs after a test run completes.
type Producer struct {
	log      logrus.FieldLogger
	store    store.Store
	queues   queue.Store
	defaults config.DefaultsConfig
	grafana  config.GrafanaConfig
}

// NewProducer creates a snapshot job producer.
func NewProducer(
	log logrus.FieldLogger,
	st store.Store,
	queues queue.Store,
	defaults config.DefaultsConfig,
	grafana config.GrafanaConfig,
) *Producer {
	return &Producer{
		log:      log.WithField("component", "snapshot-producer"),
		store:    st,
		queues:   queues,
		defaults: defaults,
		grafana:  grafana,
	}
}

// Produce enqueues snapshot jobs for every dashboard of the run's
// application/environment that is still within its retention window.
// Dashboards with checks are enqueued first, into the with-checks queue.
// The fan-out is not transactional; a crash mid-loop leaves a partial set
// of jobs, which downstream flows tolerate.
func (p *Producer) Produce(ctx context.Context, run *store.TestRun) error {
	isBaseline, err := p.isBaseline(ctx, run)
	if err != nil {
		return err
	}

	// A run too short to be meaningful produces no snapshots, is marked
	// invalid, and loses its baseline status.
	if run.Duration < p.defaults.MinTestRunDuration {
		return p.rejectShortRun(ctx, run, isBaseline)
	}

	dashboards, err := p.store.ListDashboards(
		ctx, run.Application, run.TestEnvironment,
	)
	if err != nil {
		return fmt.Errorf("listing dashboards: %w", err)
	}

	benchmarked, err := p.store.ListBenchmarkedDashboardUIDs(
		ctx, run.Application, run.TestType, run.TestEnvironment,
	)
	if err != nil {
		return fmt.Errorf("listing benchmarked dashboards: %w", err)
	}

	hasChecks := make(map[string]struct{}, len(benchmarked))
	for _, uid := range benchmarked {
		hasChecks[uid] = struct{}{}
	}

	// Checked dashboards first: priority is decided at enqueue time.
	sort.SliceStable(dashboards, func(i, j int) bool {
		_, a := hasChecks[dashboards[i].DashboardUID]
		_, b := hasChecks[dashboards[j].DashboardUID]

		return a && !b
	})

	now := time.Now().UTC()
	produced := 0

	for _, dashboard := range dashboards {
		retention := dashboard.Retention
		if retention == 0 {
			retention = p.defaults.DataRetention
		}

		// Past the retention window the metrics backend has dropped the
		// data and the snapshot would be blank.
		if now.Sub(run.End) >= time.Duration(retention)*time.Second {
			p.log.WithField("dashboard_uid", dashboard.DashboardUID).
				WithField("test_run_id", run.TestRunID).
				Debug("Dashboard past retention window, skipping snapshot")

			continue
		}

		expires := p.defaults.SnapshotExpires
		if isBaseline {
			// Baseline snapshots never expire.
			expires = 0
		}

		_, checked := hasChecks[dashboard.DashboardUID]

		job := &Job{
			Application:     run.Application,
			TestEnvironment: run.TestEnvironment,
			TestType:        run.TestType,
			TestRunID:       run.TestRunID,
			Grafana:         p.grafana.Label,
			DashboardUID:    dashboard.DashboardUID,
			DashboardURL:    dashboard.DashboardURL,
			LoginURL:        p.grafana.LoginURL,
			SnapshotTimeout: p.grafana.SnapshotTimeout,
			DashboardLabel:  dashboard.DashboardLabel,
			Expires:         expires,
			HasChecks:       checked,
			Status:          JobStatusNew,
			UpdatedAt:       now,
		}

		queueName := queue.QueueSnapshots
		if checked {
			queueName = queue.QueueSnapshotsWithChecks
		}

		if _, err := p.queues.Add(ctx, queueName, job); err != nil {
			return fmt.Errorf(
				"enqueueing snapshot job for %s: %w",
				dashboard.DashboardUID, err,
			)
		}

		produced++
	}

	p.log.WithField("test_run_id", run.TestRunID).
		WithField("jobs", produced).
		Info("Snapshot jobs produced")

	return nil
}

// isBaseline reports whether the run is its workload's current baseline.
func (p *Producer) isBaseline(
	ctx context.Context, run *store.TestRun,
) (bool, error) {
	tt, err := p.findTestType(ctx, run)
	if err != nil {
		return false, err
	}

	if tt == nil {
		return false, nil
	}

	return tt.BaselineTestRun == run.TestRunID, nil
}

// rejectShortRun marks the run invalid and clears its baseline reference
// when it held one.
func (p *Producer) rejectShortRun(
	ctx context.Context, run *store.TestRun, isBaseline bool,
) error {
	reason := fmt.Sprintf(
		"Test run duration %ds is below the minimum of %ds",
		run.Duration, p.defaults.MinTestRunDuration,
	)

	if err := p.store.MarkInvalid(ctx, run.TestRunID, reason); err != nil {
		return fmt.Errorf("marking short run invalid: %w", err)
	}

	p.log.WithField("test_run_id", run.TestRunID).
		WithField("duration", run.Duration).
		Warn("Test run too short, no snapshots produced")

	if !isBaseline {
		return nil
	}

	tt, err := p.findTestType(ctx, run)
	if err != nil {
		return err
	}

	if tt != nil {
		if err := p.store.ClearBaselineTestRun(ctx, tt.ID); err != nil {
			return fmt.Errorf("clearing baseline: %w", err)
		}

		p.log.WithField("test_run_id", run.TestRunID).
			Info("Baseline reference cleared for invalid run")
	}

	return nil
}

// findTestType resolves the run's workload node, or nil when the tree does
// not contain it.
func (p *Producer) findTestType(
	ctx context.Context, run *store.TestRun,
) (*store.TestType, error) {
	app, err := p.store.GetApplication(ctx, run.Application)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting application: %w", err)
	}

	for i := range app.TestEnvironments {
		env := &app.TestEnvironments[i]
		if env.Name != run.TestEnvironment {
			continue
		}

		for j := range env.TestTypes {
			if env.TestTypes[j].Name == run.TestType {
				return &env.TestTypes[j], nil
			}
		}
	}

	return nil, nil
}
