package annotate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perflens/perflens/pkg/grafana"
	"github.com/perflens/perflens/pkg/store"
)

// backlogSize bounds the in-memory job backlog. Jobs beyond it are dropped
// with a warning; annotation delivery is best-effort.
const backlogSize = 1024

// externalSystemID identifies the dashboard product in annotation records.
const externalSystemID = "grafana"

// Job carries everything needed to create one dashboard annotation and to
// record the resulting annotation id back onto the originating alert.
type Job struct {
	DashboardUID string
	Time         time.Time
	Tags         []string
	Text         string

	// AlertID is the alert row the annotation belongs to. When zero, the
	// alert is located by timestamp and message instead.
	AlertID        uint
	TestRunDBID    uint
	AlertTimestamp time.Time
	AlertMessage   string
}

// Dispatcher posts dashboard annotations strictly one at a time. The
// external dashboard API is the bottleneck; a single worker is the
// backpressure mechanism, and it is the only ordering guarantee across
// concurrent alert deliveries. Failed jobs are logged and dropped.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error
	Enqueue(job *Job)
}

// Compile-time interface check.
var _ Dispatcher = (*dispatcher)(nil)

type dispatcher struct {
	log    logrus.FieldLogger
	client grafana.Client
	store  store.Store
	jobs   chan *Job
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates an annotation dispatcher.
func NewDispatcher(
	log logrus.FieldLogger,
	client grafana.Client,
	st store.Store,
) Dispatcher {
	return &dispatcher{
		log:    log.WithField("component", "annotation-dispatcher"),
		client: client,
		store:  st,
		jobs:   make(chan *Job, backlogSize),
		done:   make(chan struct{}),
	}
}

// Start launches the single worker goroutine.
func (d *dispatcher) Start(ctx context.Context) error {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case job := <-d.jobs:
				d.process(ctx, job)
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the worker to stop and waits for it. Backlogged jobs are
// discarded; a missing annotation never blocks test-run processing.
func (d *dispatcher) Stop() error {
	close(d.done)
	d.wg.Wait()

	d.log.Info("Annotation dispatcher stopped")

	return nil
}

// Enqueue adds a job to the backlog, dropping it if the backlog is full.
func (d *dispatcher) Enqueue(job *Job) {
	select {
	case d.jobs <- job:
	default:
		d.log.WithField("dashboard_uid", job.DashboardUID).
			Warn("Annotation backlog full, dropping job")
	}
}

// process posts one annotation and records its id on the alert. Failures
// are logged and the job is dropped: no retry, no dead-letter.
func (d *dispatcher) process(ctx context.Context, job *Job) {
	annotationID, err := d.client.CreateAnnotation(ctx, &grafana.AnnotationRequest{
		DashboardUID: job.DashboardUID,
		Time:         job.Time.UnixMilli(),
		Tags:         job.Tags,
		Text:         job.Text,
	})
	if err != nil {
		d.log.WithError(err).
			WithField("dashboard_uid", job.DashboardUID).
			Warn("Failed to create annotation")

		return
	}

	alertID := job.AlertID
	if alertID == 0 {
		alert, err := d.store.FindAlert(
			ctx, job.TestRunDBID, job.AlertTimestamp, job.AlertMessage,
		)
		if err != nil {
			d.log.WithError(err).
				WithField("dashboard_uid", job.DashboardUID).
				Warn("Failed to locate alert for annotation")

			return
		}

		alertID = alert.ID
	}

	if err := d.store.AppendAlertAnnotation(ctx, &store.AlertAnnotation{
		TestRunAlertID:   alertID,
		ExternalSystemID: externalSystemID,
		AnnotationID:     strconv.FormatInt(annotationID, 10),
	}); err != nil {
		d.log.WithError(err).
			WithField("dashboard_uid", job.DashboardUID).
			Warn("Failed to record annotation id")
	}
}
