package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/store"
)

// configEntrySource tags test-run config entries created from ping
// variables.
const configEntrySource = "perflens"

// PingInput is the body of a lifecycle ping. External tooling sends one on
// a timer during a run and once at completion.
type PingInput struct {
	SystemUnderTest   string           `json:"systemUnderTest"`
	Workload          string           `json:"workload"`
	TestEnvironment   string           `json:"testEnvironment"`
	TestRunID         string           `json:"testRunId"`
	Version           string           `json:"version,omitempty"`
	Start             string           `json:"start,omitempty"`
	End               string           `json:"end,omitempty"`
	Duration          *int64           `json:"duration,omitempty"`
	RampUp            *int64           `json:"rampUp,omitempty"`
	Completed         *bool            `json:"completed"`
	CIBuildResultsURL string           `json:"CIBuildResultsUrl,omitempty"`
	Annotations       string           `json:"annotations,omitempty"`
	Variables         []store.Variable `json:"variables,omitempty"`
	Tags              []string         `json:"tags,omitempty"`
	Abort             *bool            `json:"abort,omitempty"`
	AbortMessage      string           `json:"abortMessage,omitempty"`
}

// SnapshotProducer enqueues snapshot jobs for a completed run.
type SnapshotProducer interface {
	Produce(ctx context.Context, run *store.TestRun) error
}

// Classifier receives completed runs for metric classification. The
// implementation is out of scope; failures are logged and never surfaced.
type Classifier interface {
	Classify(ctx context.Context, run *store.TestRun) error
}

// AnalysisClient triggers external analysis of a completed run,
// fire-and-forget.
type AnalysisClient interface {
	Trigger(ctx context.Context, testRunID string) error
}

// Processor handles lifecycle pings: configuration-tree creation and
// repair, the test-run upsert, and post-completion side effects.
type Processor struct {
	log        logrus.FieldLogger
	store      store.Store
	defaults   config.DefaultsConfig
	snapshots  SnapshotProducer
	classifier Classifier
	analysis   AnalysisClient
}

// NewProcessor creates a lifecycle processor. The snapshot producer,
// classifier, and analysis client are optional.
func NewProcessor(
	log logrus.FieldLogger,
	st store.Store,
	defaults config.DefaultsConfig,
	snapshots SnapshotProducer,
	classifier Classifier,
	analysis AnalysisClient,
) *Processor {
	return &Processor{
		log:        log.WithField("component", "lifecycle"),
		store:      st,
		defaults:   defaults,
		snapshots:  snapshots,
		classifier: classifier,
		analysis:   analysis,
	}
}

// ProcessPing validates and applies one lifecycle ping, returning the
// post-upsert test run. Configuration-tree writes happen before the
// duplicate-completed check, so a rejected duplicate still repairs the
// tree; this ordering is part of the observed contract.
func (p *Processor) ProcessPing(
	ctx context.Context, in *PingInput,
) (*store.TestRun, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	tt, err := p.ensureTree(ctx, in)
	if err != nil {
		return nil, err
	}

	existing, err := p.store.GetTestRun(ctx, in.TestRunID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.Completed {
		return nil, &DuplicateRunError{TestRunID: in.TestRunID}
	}

	start, err := p.resolveStart(in, existing, now)
	if err != nil {
		return nil, err
	}

	end, duration, err := p.resolveDuration(in, existing, start, now)
	if err != nil {
		return nil, err
	}

	planned, err := p.resolvePlannedDuration(ctx, in, existing)
	if err != nil {
		return nil, err
	}

	variables := filterVariables(in.Variables)

	if existing == nil && len(variables) > 0 {
		entries := make([]store.TestRunConfigEntry, 0, len(variables))
		for _, v := range variables {
			entries = append(entries, store.TestRunConfigEntry{
				TestRunID: in.TestRunID,
				Key:       v.Placeholder,
				Value:     v.Value,
				Source:    configEntrySource,
			})
		}

		if err := p.store.CreateTestRunConfigEntries(ctx, entries); err != nil {
			return nil, err
		}
	}

	if err := p.upsertRun(
		ctx, in, tt, existing, start, end, duration, planned, now,
	); err != nil {
		return nil, err
	}

	result, err := p.store.GetTestRun(ctx, in.TestRunID)
	if err != nil {
		return nil, err
	}

	if *in.Completed {
		p.runCompletionEffects(ctx, result, tt)
	}

	return result, nil
}

// validate rejects malformed pings before any writes.
func validate(in *PingInput) error {
	switch {
	case in.SystemUnderTest == "":
		return &ValidationError{Field: "systemUnderTest", Reason: "required"}
	case in.Workload == "":
		return &ValidationError{Field: "workload", Reason: "required"}
	case in.TestEnvironment == "":
		return &ValidationError{Field: "testEnvironment", Reason: "required"}
	case in.TestRunID == "":
		return &ValidationError{Field: "testRunId", Reason: "required"}
	case in.Completed == nil:
		return &ValidationError{Field: "completed", Reason: "required"}
	}

	return nil
}

// ensureTree loads or creates the configuration-tree nodes for the ping's
// (application, testEnvironment, workload) triple and returns the workload
// node, repaired and with its tag set merged.
func (p *Processor) ensureTree(
	ctx context.Context, in *PingInput,
) (*store.TestType, error) {
	app, err := p.store.GetApplication(ctx, in.SystemUnderTest)
	if errors.Is(err, store.ErrNotFound) {
		// First sight of the application: seed the whole branch and make
		// this run the workload's baseline.
		newApp := &store.Application{
			Name: in.SystemUnderTest,
			TestEnvironments: []store.TestEnvironment{{
				Name: in.TestEnvironment,
				TestTypes: []store.TestType{
					*p.seedTestType(in, in.TestRunID),
				},
			}},
		}

		if err := p.store.CreateApplication(ctx, newApp); err != nil {
			return nil, err
		}

		return &newApp.TestEnvironments[0].TestTypes[0], nil
	}

	if err != nil {
		return nil, err
	}

	var env *store.TestEnvironment

	for i := range app.TestEnvironments {
		if app.TestEnvironments[i].Name == in.TestEnvironment {
			env = &app.TestEnvironments[i]

			break
		}
	}

	if env == nil {
		// New workloads only receive a baseline when auto-set is enabled.
		baseline := ""
		if p.defaults.AutoSetBaselineTestRun {
			baseline = in.TestRunID
		}

		newEnv := &store.TestEnvironment{
			ApplicationID: app.ID,
			Name:          in.TestEnvironment,
			Position:      len(app.TestEnvironments),
			TestTypes:     []store.TestType{*p.seedTestType(in, baseline)},
		}

		if err := p.store.AppendTestEnvironment(ctx, newEnv); err != nil {
			return nil, err
		}

		return &newEnv.TestTypes[0], nil
	}

	var tt *store.TestType

	for i := range env.TestTypes {
		if env.TestTypes[i].Name == in.Workload {
			tt = &env.TestTypes[i]

			break
		}
	}

	if tt == nil {
		baseline := ""
		if p.defaults.AutoSetBaselineTestRun {
			baseline = in.TestRunID
		}

		newType := p.seedTestType(in, baseline)
		newType.TestEnvironmentID = env.ID
		newType.Position = len(env.TestTypes)

		if err := p.store.AppendTestType(ctx, newType); err != nil {
			return nil, err
		}

		return newType, nil
	}

	if err := p.repairTestType(ctx, tt); err != nil {
		return nil, err
	}

	if err := p.mergeTags(ctx, tt, in.Tags); err != nil {
		return nil, err
	}

	return tt, nil
}

// seedTestType builds a workload node with flags from the process-wide
// defaults. Newly created workloads start in BASELINE adapt mode.
func (p *Processor) seedTestType(
	in *PingInput, baseline string,
) *store.TestType {
	threshold := store.DefaultDifferenceScoreThreshold

	return &store.TestType{
		Name:                     in.Workload,
		BaselineTestRun:          baseline,
		Tags:                     append([]string{}, in.Tags...),
		DifferenceScoreThreshold: &threshold,
		AutoCompareTestRuns:      boolPtr(p.defaults.AutoCompareTestRuns),
		AutoCreateSnapshots:      boolPtr(p.defaults.AutoCreateSnapshots),
		EnableAdapt:              boolPtr(p.defaults.EnableAdapt),
		RunAdapt:                 boolPtr(p.defaults.RunAdapt),
		AdaptMode:                store.AdaptModeBaseline,
	}
}

// repairTestType fills in flag fields a workload node is missing. Absence
// is repaired in place from the defaults, never left null; a repaired node
// falls back to DEFAULT adapt mode, not BASELINE.
func (p *Processor) repairTestType(
	ctx context.Context, tt *store.TestType,
) error {
	var columns []string

	if tt.AutoCompareTestRuns == nil {
		tt.AutoCompareTestRuns = boolPtr(p.defaults.AutoCompareTestRuns)
		columns = append(columns, "auto_compare_test_runs")
	}

	if tt.AutoCreateSnapshots == nil {
		tt.AutoCreateSnapshots = boolPtr(p.defaults.AutoCreateSnapshots)
		columns = append(columns, "auto_create_snapshots")
	}

	if tt.EnableAdapt == nil {
		tt.EnableAdapt = boolPtr(p.defaults.EnableAdapt)
		columns = append(columns, "enable_adapt")
	}

	if tt.RunAdapt == nil {
		tt.RunAdapt = boolPtr(p.defaults.RunAdapt)
		columns = append(columns, "run_adapt")
	}

	if tt.DifferenceScoreThreshold == nil {
		threshold := store.DefaultDifferenceScoreThreshold
		tt.DifferenceScoreThreshold = &threshold
		columns = append(columns, "difference_score_threshold")
	}

	if tt.AdaptMode == "" {
		tt.AdaptMode = store.AdaptModeDefault
		columns = append(columns, "adapt_mode")
	}

	if len(columns) == 0 {
		return nil
	}

	p.log.WithField("test_type", tt.Name).
		WithField("fields", len(columns)).
		Debug("Repaired missing workload flags")

	return p.store.UpdateTestTypeColumns(ctx, tt.ID, tt, columns...)
}

// mergeTags union-merges ping tags into the workload's tag set. The set
// only ever grows.
func (p *Processor) mergeTags(
	ctx context.Context, tt *store.TestType, tags []string,
) error {
	if len(tags) == 0 {
		return nil
	}

	known := make(map[string]struct{}, len(tt.Tags))
	for _, t := range tt.Tags {
		known[t] = struct{}{}
	}

	merged := tt.Tags
	grew := false

	for _, t := range tags {
		if _, exists := known[t]; !exists {
			merged = append(merged, t)
			known[t] = struct{}{}
			grew = true
		}
	}

	if !grew {
		return nil
	}

	tt.Tags = merged

	return p.store.SetTestTypeTags(ctx, tt.ID, merged)
}

// resolveStart parses the ping's start timestamp, falling back to the
// stored start for keep-alives, then to now.
func (p *Processor) resolveStart(
	in *PingInput, existing *store.TestRun, now time.Time,
) (time.Time, error) {
	if in.Start != "" {
		t, err := parseTime(in.Start)
		if err != nil {
			return time.Time{}, &ValidationError{
				Field: "start", Reason: err.Error(),
			}
		}

		return t, nil
	}

	if existing != nil {
		return existing.Start, nil
	}

	return now, nil
}

// resolveDuration computes the stored end timestamp and elapsed duration.
// Keep-alive pings move end to now, which is what keeps the run inside the
// alert correlation window.
func (p *Processor) resolveDuration(
	in *PingInput,
	existing *store.TestRun,
	start, now time.Time,
) (time.Time, int64, error) {
	if in.End != "" {
		end, err := parseTime(in.End)
		if err != nil {
			return time.Time{}, 0, &ValidationError{
				Field: "end", Reason: err.Error(),
			}
		}

		return end, int64(end.Sub(start).Seconds()), nil
	}

	if existing != nil {
		return now, int64(now.Sub(existing.Start).Seconds()), nil
	}

	return now, 0, nil
}

// resolvePlannedDuration derives the expected run length: the ping's
// duration+rampUp when supplied, else the most recent completed run of the
// same workload, else -1 (unknown).
func (p *Processor) resolvePlannedDuration(
	ctx context.Context, in *PingInput, existing *store.TestRun,
) (int64, error) {
	if in.Duration != nil {
		planned := *in.Duration
		if in.RampUp != nil {
			planned += *in.RampUp
		}

		return planned, nil
	}

	if existing != nil {
		last, found, err := p.store.LastCompletedDuration(
			ctx, in.SystemUnderTest, in.Workload, in.TestEnvironment,
		)
		if err != nil {
			return 0, err
		}

		if found {
			return last, nil
		}
	}

	return -1, nil
}

// upsertRun inserts the run on first sight, otherwise writes only the
// per-ping columns so concurrently appended alerts and abort flags are
// never clobbered.
func (p *Processor) upsertRun(
	ctx context.Context,
	in *PingInput,
	tt *store.TestType,
	existing *store.TestRun,
	start, end time.Time,
	duration, planned int64,
	now time.Time,
) error {
	differencesAccepted := store.DifferencesTBD
	if tt.AdaptMode == store.AdaptModeBaseline {
		differencesAccepted = store.DifferencesAccepted
	}

	var rampUp int64
	if in.RampUp != nil {
		rampUp = *in.RampUp
	}

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	run := &store.TestRun{
		TestRunID:             in.TestRunID,
		Application:           in.SystemUnderTest,
		TestType:              in.Workload,
		TestEnvironment:       in.TestEnvironment,
		End:                   end,
		Duration:              duration,
		PlannedDuration:       planned,
		RampUp:                rampUp,
		Completed:             *in.Completed,
		CIBuildResultsURL:     in.CIBuildResultsURL,
		ApplicationRelease:    in.Version,
		Annotations:           in.Annotations,
		Tags:                  tags,
		Variables:             filterVariables(in.Variables),
		Valid:                 true,
		ReasonsNotValid:       []string{},
		Expires:               p.defaults.SnapshotExpires,
		Expired:               false,
		AdaptMode:             tt.AdaptMode,
		DifferencesAccepted:   differencesAccepted,
		EvaluatingChecks:      store.StatusStarted,
		EvaluatingComparisons: store.StatusStarted,
		EvaluatingAdapt:       store.StatusStarted,
		LastUpdate:            now,
	}

	if existing == nil {
		run.Start = start

		if in.Abort != nil {
			run.Abort = *in.Abort
			run.AbortMessage = in.AbortMessage
		}

		return p.store.InsertTestRun(ctx, run)
	}

	columns := []string{
		"application", "test_type", "test_environment",
		"planned_duration", "duration", "ramp_up", "completed",
		"ci_build_results_url", "application_release", "annotations",
		"variables", "tags", "end_time", "expires", "expired", "valid",
		"reasons_not_valid", "adapt_mode", "differences_accepted",
		"evaluating_checks", "evaluating_comparisons", "evaluating_adapt",
		"last_update",
	}

	// A lifecycle ping can directly abort a run.
	if in.Abort != nil {
		run.Abort = *in.Abort
		run.AbortMessage = in.AbortMessage
		columns = append(columns, "abort", "abort_message")
	}

	return p.store.UpdateTestRunColumns(ctx, in.TestRunID, run, columns...)
}

// runCompletionEffects triggers the post-completion side effects. All of
// them are best-effort: failures are logged and never fail the response.
func (p *Processor) runCompletionEffects(
	ctx context.Context, run *store.TestRun, tt *store.TestType,
) {
	if p.classifier != nil {
		if err := p.classifier.Classify(ctx, run); err != nil {
			p.log.WithError(err).
				WithField("test_run_id", run.TestRunID).
				Warn("Metric classification failed")
		}
	}

	if p.analysis != nil {
		go func(testRunID string) {
			ctx, cancel := context.WithTimeout(
				context.Background(), 30*time.Second,
			)
			defer cancel()

			if err := p.analysis.Trigger(ctx, testRunID); err != nil {
				p.log.WithError(err).
					WithField("test_run_id", testRunID).
					Warn("Analysis trigger failed")
			}
		}(run.TestRunID)
	}

	if p.snapshots != nil &&
		tt.AutoCreateSnapshots != nil && *tt.AutoCreateSnapshots {
		if err := p.snapshots.Produce(ctx, run); err != nil {
			p.log.WithError(err).
				WithField("test_run_id", run.TestRunID).
				Warn("Snapshot production failed")
		}
	}
}

// filterVariables drops variables without a value.
func filterVariables(vars []store.Variable) []store.Variable {
	filtered := make([]store.Variable, 0, len(vars))

	for _, v := range vars {
		if v.Value != "" {
			filtered = append(filtered, v)
		}
	}

	return filtered
}

// parseTime accepts the timestamp formats lifecycle callers send.
func parseTime(value string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", value)
}

func boolPtr(v bool) *bool {
	return &v
}
