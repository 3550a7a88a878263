package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/perflens/perflens/pkg/config"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for the configuration tree, test runs, and
// correlation rules. All test-run mutations are expressed as targeted
// column updates or child-row inserts; whole-document save is never used
// for concurrently written records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Configuration tree.
	GetApplication(ctx context.Context, name string) (*Application, error)
	CreateApplication(ctx context.Context, app *Application) error
	AppendTestEnvironment(ctx context.Context, env *TestEnvironment) error
	AppendTestType(ctx context.Context, tt *TestType) error
	UpdateTestTypeColumns(
		ctx context.Context, id uint, tt *TestType, columns ...string,
	) error
	SetTestTypeTags(ctx context.Context, id uint, tags []string) error
	SetBaselineTestRun(ctx context.Context, id uint, testRunID string) error
	ClearBaselineTestRun(ctx context.Context, id uint) error

	// Test runs.
	GetTestRun(ctx context.Context, testRunID string) (*TestRun, error)
	InsertTestRun(ctx context.Context, run *TestRun) error
	UpdateTestRunColumns(
		ctx context.Context, testRunID string, run *TestRun, columns ...string,
	) error
	LastCompletedDuration(
		ctx context.Context, application, testType, testEnvironment string,
	) (int64, bool, error)
	ListActiveTestRuns(
		ctx context.Context, since time.Time,
	) ([]TestRun, error)
	SetAbort(ctx context.Context, testRunID, message string) error
	MarkInvalid(ctx context.Context, testRunID, reason string) error
	MarkExpiredRuns(ctx context.Context, now time.Time) (int64, error)

	// Alerts and events (append-only child rows).
	AppendAlert(ctx context.Context, alert *TestRunAlert) error
	AppendAlertAnnotation(
		ctx context.Context, annotation *AlertAnnotation,
	) error
	FindAlert(
		ctx context.Context,
		testRunDBID uint,
		timestamp time.Time,
		message string,
	) (*TestRunAlert, error)
	AppendEvent(ctx context.Context, event *TestRunEvent) error

	// Correlation rules and dashboards.
	ListAbortRules(
		ctx context.Context,
		application, testType, testEnvironment, alertSource string,
	) ([]AbortAlertTagRule, error)
	ListOmitTagKeys(
		ctx context.Context, alertSource string,
	) ([]string, error)
	ListAlertMappingRules(
		ctx context.Context, application string,
	) ([]AlertMappingRule, error)
	ListDashboards(
		ctx context.Context, application, testEnvironment string,
	) ([]Dashboard, error)
	ListBenchmarkedDashboardUIDs(
		ctx context.Context,
		application, testType, testEnvironment string,
	) ([]string, error)

	// Test-run config entries.
	CreateTestRunConfigEntries(
		ctx context.Context, entries []TestRunConfigEntry,
	) error

	// Seeding from a seed file.
	Seed(ctx context.Context, seed *config.Seed) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Application{},
		&TestEnvironment{},
		&TestType{},
		&TestRun{},
		&TestRunAlert{},
		&AlertAnnotation{},
		&TestRunEvent{},
		&AbortAlertTagRule{},
		&OmitAlertTagRule{},
		&AlertMappingRule{},
		&Dashboard{},
		&Benchmark{},
		&TestRunConfigEntry{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Configuration tree ---

// GetApplication loads an application with its environments and test types
// in stored order.
func (s *store) GetApplication(
	ctx context.Context, name string,
) (*Application, error) {
	var app Application
	err := s.db.WithContext(ctx).
		Preload("TestEnvironments", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("TestEnvironments.TestTypes", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("name = ?", name).
		First(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting application: %w", err)
	}

	return &app, nil
}

func (s *store) CreateApplication(
	ctx context.Context, app *Application,
) error {
	if err := s.db.WithContext(ctx).Create(app).Error; err != nil {
		return fmt.Errorf("creating application: %w", err)
	}

	return nil
}

func (s *store) AppendTestEnvironment(
	ctx context.Context, env *TestEnvironment,
) error {
	if err := s.db.WithContext(ctx).Create(env).Error; err != nil {
		return fmt.Errorf("appending test environment: %w", err)
	}

	return nil
}

func (s *store) AppendTestType(
	ctx context.Context, tt *TestType,
) error {
	if err := s.db.WithContext(ctx).Create(tt).Error; err != nil {
		return fmt.Errorf("appending test type: %w", err)
	}

	return nil
}

// UpdateTestTypeColumns writes only the named columns of a test type.
// Used for the lazy flag repair, never for destructive rewrites.
func (s *store) UpdateTestTypeColumns(
	ctx context.Context, id uint, tt *TestType, columns ...string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestType{}).
		Where("id = ?", id).
		Select(columns).
		Updates(tt).Error; err != nil {
		return fmt.Errorf("updating test type columns: %w", err)
	}

	return nil
}

func (s *store) SetTestTypeTags(
	ctx context.Context, id uint, tags []string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestType{}).
		Where("id = ?", id).
		Select("tags").
		Updates(&TestType{Tags: tags}).Error; err != nil {
		return fmt.Errorf("setting test type tags: %w", err)
	}

	return nil
}

func (s *store) SetBaselineTestRun(
	ctx context.Context, id uint, testRunID string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestType{}).
		Where("id = ?", id).
		Update("baseline_test_run", testRunID).Error; err != nil {
		return fmt.Errorf("setting baseline test run: %w", err)
	}

	return nil
}

func (s *store) ClearBaselineTestRun(
	ctx context.Context, id uint,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestType{}).
		Where("id = ?", id).
		Update("baseline_test_run", "").Error; err != nil {
		return fmt.Errorf("clearing baseline test run: %w", err)
	}

	return nil
}

// --- Test runs ---

// GetTestRun loads a test run with its alerts, annotations, and events.
func (s *store) GetTestRun(
	ctx context.Context, testRunID string,
) (*TestRun, error) {
	var run TestRun
	err := s.db.WithContext(ctx).
		Preload("Alerts", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Preload("Alerts.Annotations").
		Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("test_run_id = ?", testRunID).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting test run: %w", err)
	}

	return &run, nil
}

func (s *store) InsertTestRun(ctx context.Context, run *TestRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("inserting test run: %w", err)
	}

	return nil
}

// UpdateTestRunColumns writes only the named columns of a test run,
// preserving everything written concurrently by other callers.
func (s *store) UpdateTestRunColumns(
	ctx context.Context, testRunID string, run *TestRun, columns ...string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("test_run_id = ?", testRunID).
		Select(columns).
		Updates(run).Error; err != nil {
		return fmt.Errorf("updating test run columns: %w", err)
	}

	return nil
}

// LastCompletedDuration returns the duration of the most recent completed
// run for the workload, and whether one exists.
func (s *store) LastCompletedDuration(
	ctx context.Context, application, testType, testEnvironment string,
) (int64, bool, error) {
	var run TestRun
	err := s.db.WithContext(ctx).
		Where(
			"application = ? AND test_type = ? AND test_environment = ? AND completed = ?",
			application, testType, testEnvironment, true,
		).
		Order("end_time DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("finding last completed run: %w", err)
	}

	return run.Duration, true, nil
}

// ListActiveTestRuns returns incomplete runs whose end timestamp is at or
// after the given instant.
func (s *store) ListActiveTestRuns(
	ctx context.Context, since time.Time,
) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("completed = ? AND end_time >= ?", false, since).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing active test runs: %w", err)
	}

	return runs, nil
}

func (s *store) SetAbort(
	ctx context.Context, testRunID, message string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("test_run_id = ?", testRunID).
		Select("abort", "abort_message").
		Updates(&TestRun{Abort: true, AbortMessage: message}).Error; err != nil {
		return fmt.Errorf("setting abort: %w", err)
	}

	return nil
}

// MarkInvalid flags a run invalid and appends a reason. The reasons array
// lives in a single column, so the append runs in a transaction.
func (s *store) MarkInvalid(
	ctx context.Context, testRunID, reason string,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run TestRun
		if err := tx.
			Where("test_run_id = ?", testRunID).
			First(&run).Error; err != nil {
			return err
		}

		reasons := append(run.ReasonsNotValid, reason)

		return tx.Model(&TestRun{}).
			Where("test_run_id = ?", testRunID).
			Select("valid", "reasons_not_valid").
			Updates(&TestRun{Valid: false, ReasonsNotValid: reasons}).Error
	})
	if err != nil {
		return fmt.Errorf("marking test run invalid: %w", err)
	}

	return nil
}

// MarkExpiredRuns flags completed runs whose retention TTL has elapsed.
// Expiry is computed per row, so candidates are scanned and updated by id.
func (s *store) MarkExpiredRuns(
	ctx context.Context, now time.Time,
) (int64, error) {
	var candidates []TestRun
	if err := s.db.WithContext(ctx).
		Select("id", "end_time", "expires").
		Where("completed = ? AND expired = ? AND expires > 0", true, false).
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("listing expiry candidates: %w", err)
	}

	ids := make([]uint, 0, len(candidates))

	for _, run := range candidates {
		if run.End.Add(time.Duration(run.Expires) * time.Second).Before(now) {
			ids = append(ids, run.ID)
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id IN ?", ids).
		Update("expired", true)
	if result.Error != nil {
		return 0, fmt.Errorf("marking runs expired: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// --- Alerts and events ---

func (s *store) AppendAlert(
	ctx context.Context, alert *TestRunAlert,
) error {
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("appending alert: %w", err)
	}

	return nil
}

func (s *store) AppendAlertAnnotation(
	ctx context.Context, annotation *AlertAnnotation,
) error {
	if err := s.db.WithContext(ctx).Create(annotation).Error; err != nil {
		return fmt.Errorf("appending alert annotation: %w", err)
	}

	return nil
}

// FindAlert locates an alert row by its timestamp and message. Callers
// prefer the row id when they have it; this lookup is the fallback, and two
// alerts sharing both timestamp and message can mis-attribute.
func (s *store) FindAlert(
	ctx context.Context,
	testRunDBID uint,
	timestamp time.Time,
	message string,
) (*TestRunAlert, error) {
	var alert TestRunAlert
	err := s.db.WithContext(ctx).
		Where(
			"test_run_db_id = ? AND timestamp = ? AND message = ?",
			testRunDBID, timestamp, message,
		).
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("finding alert: %w", err)
	}

	return &alert, nil
}

func (s *store) AppendEvent(
	ctx context.Context, event *TestRunEvent,
) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

// --- Rules and dashboards ---

func (s *store) ListAbortRules(
	ctx context.Context,
	application, testType, testEnvironment, alertSource string,
) ([]AbortAlertTagRule, error) {
	var rules []AbortAlertTagRule
	if err := s.db.WithContext(ctx).
		Where(
			"application = ? AND test_type = ? AND test_environment = ? AND alert_source = ?",
			application, testType, testEnvironment, alertSource,
		).
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("listing abort rules: %w", err)
	}

	return rules, nil
}

func (s *store) ListOmitTagKeys(
	ctx context.Context, alertSource string,
) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).
		Model(&OmitAlertTagRule{}).
		Where("alert_source = ?", alertSource).
		Pluck("tag_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("listing omit tag keys: %w", err)
	}

	return keys, nil
}

func (s *store) ListAlertMappingRules(
	ctx context.Context, application string,
) ([]AlertMappingRule, error) {
	var rules []AlertMappingRule
	if err := s.db.WithContext(ctx).
		Where("application = ?", application).
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("listing alert mapping rules: %w", err)
	}

	return rules, nil
}

func (s *store) ListDashboards(
	ctx context.Context, application, testEnvironment string,
) ([]Dashboard, error) {
	var dashboards []Dashboard
	if err := s.db.WithContext(ctx).
		Where(
			"application = ? AND test_environment = ?",
			application, testEnvironment,
		).
		Order("id ASC").
		Find(&dashboards).Error; err != nil {
		return nil, fmt.Errorf("listing dashboards: %w", err)
	}

	return dashboards, nil
}

func (s *store) ListBenchmarkedDashboardUIDs(
	ctx context.Context,
	application, testType, testEnvironment string,
) ([]string, error) {
	var uids []string
	if err := s.db.WithContext(ctx).
		Model(&Benchmark{}).
		Where(
			"application = ? AND test_type = ? AND test_environment = ?",
			application, testType, testEnvironment,
		).
		Distinct().
		Pluck("dashboard_uid", &uids).Error; err != nil {
		return nil, fmt.Errorf("listing benchmarked dashboards: %w", err)
	}

	return uids, nil
}

// --- Test-run config entries ---

func (s *store) CreateTestRunConfigEntries(
	ctx context.Context, entries []TestRunConfigEntry,
) error {
	if len(entries) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("creating test run config entries: %w", err)
	}

	return nil
}

// --- Seeding ---

// Seed upserts correlation rules and dashboard metadata from a seed file.
func (s *store) Seed(ctx context.Context, seed *config.Seed) error {
	for _, r := range seed.AbortRules {
		rule := AbortAlertTagRule{
			Application:     r.Application,
			TestType:        r.TestType,
			TestEnvironment: r.TestEnvironment,
			AlertSource:     r.AlertSource,
			TagKey:          r.TagKey,
			TagValue:        r.TagValue,
		}

		if err := s.db.WithContext(ctx).
			Where(rule).
			FirstOrCreate(&rule).Error; err != nil {
			return fmt.Errorf("seeding abort rule: %w", err)
		}
	}

	for _, r := range seed.OmitTagRules {
		rule := OmitAlertTagRule{
			AlertSource: r.AlertSource,
			TagKey:      r.TagKey,
		}

		if err := s.db.WithContext(ctx).
			Where(rule).
			FirstOrCreate(&rule).Error; err != nil {
			return fmt.Errorf("seeding omit tag rule: %w", err)
		}
	}

	for _, r := range seed.AlertMapping {
		rule := AlertMappingRule{
			Application: r.Application,
			Label:       r.Label,
		}

		if err := s.db.WithContext(ctx).
			Where(rule).
			Assign(AlertMappingRule{Value: r.Value}).
			FirstOrCreate(&rule).Error; err != nil {
			return fmt.Errorf("seeding alert mapping rule: %w", err)
		}
	}

	for _, d := range seed.Dashboards {
		dashboard := Dashboard{
			Application:     d.Application,
			TestEnvironment: d.TestEnvironment,
			DashboardUID:    d.DashboardUID,
		}

		if err := s.db.WithContext(ctx).
			Where(dashboard).
			Assign(Dashboard{
				DashboardLabel: d.DashboardLabel,
				DashboardURL:   d.DashboardURL,
				Retention:      d.Retention,
			}).
			FirstOrCreate(&dashboard).Error; err != nil {
			return fmt.Errorf("seeding dashboard: %w", err)
		}
	}

	for _, b := range seed.Benchmarks {
		benchmark := Benchmark{
			Application:     b.Application,
			TestType:        b.TestType,
			TestEnvironment: b.TestEnvironment,
			DashboardUID:    b.DashboardUID,
			Panel:           b.Panel,
		}

		if err := s.db.WithContext(ctx).
			Where(benchmark).
			FirstOrCreate(&benchmark).Error; err != nil {
			return fmt.Errorf("seeding benchmark: %w", err)
		}
	}

	total := len(seed.AbortRules) + len(seed.OmitTagRules) +
		len(seed.AlertMapping) + len(seed.Dashboards) + len(seed.Benchmarks)
	if total > 0 {
		s.log.WithField("count", total).Info("Seeded rules from file")
	}

	return nil
}
