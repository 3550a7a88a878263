package store

import (
	"time"
)

// Adapt mode constants.
const (
	AdaptModeDefault  = "DEFAULT"
	AdaptModeBaseline = "BASELINE"
	AdaptModeDebug    = "DEBUG"
)

// Evaluation status constants.
const (
	StatusStarted       = "STARTED"
	StatusComplete      = "COMPLETE"
	StatusError         = "ERROR"
	StatusNotConfigured = "NOT_CONFIGURED"
)

// Differences-accepted constants.
const (
	DifferencesAccepted = "ACCEPTED"
	DifferencesTBD      = "TBD"
)

// DefaultDifferenceScoreThreshold is applied to newly created workloads.
const DefaultDifferenceScoreThreshold = 70

// Application is a system under test. It owns an ordered list of test
// environments, each owning an ordered list of test types (workloads).
type Application struct {
	ID               uint              `gorm:"primaryKey" json:"-"`
	Name             string            `gorm:"uniqueIndex;not null" json:"name"`
	TestEnvironments []TestEnvironment `gorm:"foreignKey:ApplicationID" json:"testEnvironments"`
	CreatedAt        time.Time         `json:"-"`
	UpdatedAt        time.Time         `json:"-"`
}

// TestEnvironment is a named environment under an application.
type TestEnvironment struct {
	ID            uint       `gorm:"primaryKey" json:"-"`
	ApplicationID uint       `gorm:"uniqueIndex:idx_env_app_name;not null" json:"-"`
	Name          string     `gorm:"uniqueIndex:idx_env_app_name;not null" json:"name"`
	Position      int        `gorm:"not null" json:"-"`
	TestTypes     []TestType `gorm:"foreignKey:TestEnvironmentID" json:"testTypes"`
}

// TestType is a workload under a test environment. The flag pointers are
// nullable on purpose: a missing flag is repaired in place from the
// process-wide defaults the first time it is observed (lazy migration).
type TestType struct {
	ID                uint   `gorm:"primaryKey" json:"-"`
	TestEnvironmentID uint   `gorm:"uniqueIndex:idx_type_env_name;not null" json:"-"`
	Name              string `gorm:"uniqueIndex:idx_type_env_name;not null" json:"name"`
	Position          int    `gorm:"not null" json:"-"`

	BaselineTestRun          string   `json:"baselineTestRun,omitempty"`
	Tags                     []string `gorm:"serializer:json" json:"tags"`
	DifferenceScoreThreshold *int     `json:"differenceScoreThreshold,omitempty"`
	AutoCompareTestRuns      *bool    `json:"autoCompareTestRuns,omitempty"`
	AutoCreateSnapshots      *bool    `json:"autoCreateSnapshots,omitempty"`
	EnableAdapt              *bool    `json:"enableAdapt,omitempty"`
	RunAdapt                 *bool    `json:"runAdapt,omitempty"`
	AdaptMode                string   `json:"adaptMode,omitempty"`
}

// Variable is a placeholder/value pair carried by a test run.
type Variable struct {
	Placeholder string `json:"placeholder"`
	Value       string `json:"value"`
}

// Tag is an ordered key/value pair on an alert or event.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TestRun is one execution of a performance test. The persistence key is
// test_run_id alone, so callers must not reuse run ids across applications.
type TestRun struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	TestRunID string `gorm:"uniqueIndex;not null" json:"testRunId"`

	Application     string `gorm:"index:idx_run_workload;not null" json:"application"`
	TestType        string `gorm:"index:idx_run_workload" json:"testType"`
	TestEnvironment string `gorm:"index:idx_run_workload" json:"testEnvironment"`

	Start           time.Time `gorm:"column:start_time" json:"start"`
	End             time.Time `gorm:"column:end_time;index" json:"end"`
	Duration        int64     `json:"duration"`
	PlannedDuration int64     `json:"plannedDuration"`
	RampUp          int64     `json:"rampUp"`
	Completed       bool      `gorm:"index" json:"completed"`

	CIBuildResultsURL  string     `json:"CIBuildResultsUrl,omitempty"`
	ApplicationRelease string     `json:"applicationRelease,omitempty"`
	Annotations        string     `json:"annotations,omitempty"`
	Tags               []string   `gorm:"serializer:json" json:"tags"`
	Variables          []Variable `gorm:"serializer:json" json:"variables"`

	Abort        bool   `json:"abort"`
	AbortMessage string `json:"abortMessage,omitempty"`

	Valid           bool     `json:"valid"`
	ReasonsNotValid []string `gorm:"serializer:json" json:"reasonsNotValid"`

	Expires int64 `json:"expires"`
	Expired bool  `json:"expired"`

	AdaptMode           string `json:"adaptMode,omitempty"`
	DifferencesAccepted string `json:"differencesAccepted,omitempty"`

	EvaluatingChecks      string    `json:"evaluatingChecks,omitempty"`
	EvaluatingComparisons string    `json:"evaluatingComparisons,omitempty"`
	EvaluatingAdapt       string    `json:"evaluatingAdapt,omitempty"`
	LastUpdate            time.Time `json:"lastUpdate"`

	Alerts []TestRunAlert `gorm:"foreignKey:TestRunDBID" json:"alerts"`
	Events []TestRunEvent `gorm:"foreignKey:TestRunDBID" json:"events"`
}

// TestRunAlert is one correlated alert on a test run. Rows are append-only:
// a new match inserts a row, never rewrites the run document.
type TestRunAlert struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	TestRunDBID uint      `gorm:"index;not null" json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
	Tags        []Tag     `gorm:"serializer:json" json:"tags"`

	URL          string `json:"url,omitempty"`
	GeneratorURL string `json:"generatorUrl,omitempty"`
	PanelURL     string `json:"panelUrl,omitempty"`

	Annotations []AlertAnnotation `gorm:"foreignKey:TestRunAlertID" json:"annotations"`
}

// AlertAnnotation records the id of an annotation created in an external
// dashboard system for an alert. Populated asynchronously after dispatch.
type AlertAnnotation struct {
	ID               uint   `gorm:"primaryKey" json:"-"`
	TestRunAlertID   uint   `gorm:"index;not null" json:"-"`
	ExternalSystemID string `json:"externalSystemId"`
	AnnotationID     string `json:"annotationId"`
}

// TestRunEvent is a free-text event correlated to a test run.
type TestRunEvent struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	TestRunDBID uint      `gorm:"index;not null" json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Tags        []Tag     `gorm:"serializer:json" json:"tags"`
}

// AbortAlertTagRule flags a running test for abort when a correlated
// alert's tags contain the rule's key (and value, when set).
type AbortAlertTagRule struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Application     string `gorm:"index:idx_abort_rule" json:"application"`
	TestType        string `gorm:"index:idx_abort_rule" json:"testType"`
	TestEnvironment string `gorm:"index:idx_abort_rule" json:"testEnvironment"`
	AlertSource     string `gorm:"index:idx_abort_rule" json:"alertSource"`
	TagKey          string `gorm:"not null" json:"tagKey"`
	TagValue        string `json:"tagValue,omitempty"`
}

// OmitAlertTagRule strips a tag key from normalized alerts of a source
// before they are stored or matched against abort rules.
type OmitAlertTagRule struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	AlertSource string `gorm:"index" json:"alertSource"`
	TagKey      string `gorm:"not null" json:"tagKey"`
}

// AlertMappingRule is a custom Alertmanager matching rule for an
// application. When any exist for an application, default system-under-test
// matching is bypassed and every rule must match.
type AlertMappingRule struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Application string `gorm:"index" json:"application"`
	Label       string `gorm:"not null" json:"label"`
	Value       string `gorm:"not null" json:"value"`
}

// Dashboard is a dashboard configured for an application/environment,
// eligible for snapshot production.
type Dashboard struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Application     string `gorm:"index:idx_dashboard_app_env" json:"application"`
	TestEnvironment string `gorm:"index:idx_dashboard_app_env" json:"testEnvironment"`
	DashboardUID    string `gorm:"not null" json:"dashboardUid"`
	DashboardLabel  string `json:"dashboardLabel,omitempty"`
	DashboardURL    string `json:"dashboardUrl,omitempty"`

	// Retention is the metrics retention window in seconds; zero means the
	// configured default applies.
	Retention int64 `json:"retention,omitempty"`
}

// Benchmark is a check configured against a dashboard panel. Its presence
// routes the dashboard's snapshot jobs to the with-checks queue.
type Benchmark struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Application     string `gorm:"index:idx_benchmark_scope" json:"application"`
	TestType        string `gorm:"index:idx_benchmark_scope" json:"testType"`
	TestEnvironment string `gorm:"index:idx_benchmark_scope" json:"testEnvironment"`
	DashboardUID    string `gorm:"not null" json:"dashboardUid"`
	Panel           string `json:"panel,omitempty"`
}

// TestRunConfigEntry is a key/value configuration item recorded for a test
// run, sourced from ping variables on first sight of the run.
type TestRunConfigEntry struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	TestRunID string `gorm:"index;not null" json:"testRunId"`
	Key       string `gorm:"not null" json:"key"`
	Value     string `json:"value"`
	Source    string `json:"source"`
}
