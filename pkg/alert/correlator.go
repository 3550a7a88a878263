package alert

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perflens/perflens/pkg/annotate"
	"github.com/perflens/perflens/pkg/store"
)

const (
	// correlationWindow is the slack added to the active-run check. A run
	// is active while completed=false and its end timestamp is within this
	// window, which absorbs the polling latency of the lifecycle ping.
	correlationWindow = 30 * time.Second

	// systemUnderTestTag and testEnvironmentTag are the tag keys used for
	// default matching.
	systemUnderTestTag = "system_under_test"
	testEnvironmentTag = "test_environment"

	// namespaceTag is the Alertmanager default for the environment label.
	namespaceTag = "namespace"
)

// ErrMalformedPayload indicates a webhook body that could not be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Correlator matches normalized alerts against active test runs and
// records the matches.
type Correlator struct {
	log        logrus.FieldLogger
	store      store.Store
	dispatcher annotate.Dispatcher
}

// NewCorrelator creates an alert correlator.
func NewCorrelator(
	log logrus.FieldLogger,
	st store.Store,
	dispatcher annotate.Dispatcher,
) *Correlator {
	return &Correlator{
		log:        log.WithField("component", "correlator"),
		store:      st,
		dispatcher: dispatcher,
	}
}

// Process normalizes one webhook delivery and correlates every resulting
// alert against the active test runs. It returns the number of matches.
// An alert matching no run is not an error; a payload that cannot be
// decoded is (ErrMalformedPayload), as is an invalid mapping-rule pattern.
func (c *Correlator) Process(
	ctx context.Context, source Source, payload []byte,
) (int, error) {
	alerts, err := Normalize(source, payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if len(alerts) == 0 {
		return 0, nil
	}

	runs, err := c.store.ListActiveTestRuns(
		ctx, time.Now().UTC().Add(-correlationWindow),
	)
	if err != nil {
		return 0, fmt.Errorf("listing active runs: %w", err)
	}

	matches := 0

	for i := range alerts {
		alert := &alerts[i]

		for j := range runs {
			run := &runs[j]

			matched, err := c.matches(ctx, alert, run)
			if err != nil {
				return matches, err
			}

			if !matched {
				continue
			}

			matches++

			if err := c.handleMatch(ctx, alert, run); err != nil {
				c.log.WithError(err).
					WithField("test_run_id", run.TestRunID).
					Warn("Failed to record alert match")
			}
		}
	}

	if matches == 0 {
		c.log.WithField("source", string(source)).
			Debug("Alert matched no active test run")
	}

	return matches, nil
}

// matches decides whether a normalized alert belongs to a test run.
func (c *Correlator) matches(
	ctx context.Context, alert *NormalizedAlert, run *store.TestRun,
) (bool, error) {
	// Alerts that predate the run are not attributable to it.
	if alert.Source == SourceAlertmanager &&
		!alert.Time.After(run.Start) {
		return false, nil
	}

	if alert.Source == SourceAlertmanager {
		rules, err := c.store.ListAlertMappingRules(ctx, run.Application)
		if err != nil {
			return false, fmt.Errorf("listing alert mapping rules: %w", err)
		}

		if len(rules) > 0 {
			return c.matchesMappingRules(alert, run, rules)
		}
	}

	if alert.Tag(systemUnderTestTag) != run.Application {
		return false, nil
	}

	envTag := testEnvironmentTag
	if alert.Source == SourceAlertmanager {
		envTag = namespaceTag
	}

	return alert.Tag(envTag) == run.TestEnvironment, nil
}

// matchesMappingRules evaluates custom tag-mapping rules. Every configured
// rule must match; an empty set never matches, which makes disabling all
// rules a safe maintenance default. Patterns are compiled per evaluation;
// Go's RE2 engine guarantees linear-time matching, and an invalid pattern
// is a hard error rather than a silent skip.
func (c *Correlator) matchesMappingRules(
	alert *NormalizedAlert,
	run *store.TestRun,
	rules []store.AlertMappingRule,
) (bool, error) {
	for _, rule := range rules {
		pattern := resolvePlaceholders(rule.Value, run)

		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf(
				"invalid alert mapping pattern %q: %w", rule.Value, err,
			)
		}

		if !re.MatchString(alert.Tag(rule.Label)) {
			return false, nil
		}
	}

	return true, nil
}

// resolvePlaceholders substitutes test-run fields into a mapping-rule
// pattern before it is compiled.
func resolvePlaceholders(pattern string, run *store.TestRun) string {
	return strings.NewReplacer(
		"{{testRunId}}", run.TestRunID,
		"{{application}}", run.Application,
		"{{testEnvironment}}", run.TestEnvironment,
		"{{testType}}", run.TestType,
	).Replace(pattern)
}

// handleMatch records one alert-to-run match: abort evaluation on the raw
// tag set, omit filtering, the alert row append, and annotation fan-out.
func (c *Correlator) handleMatch(
	ctx context.Context, alert *NormalizedAlert, run *store.TestRun,
) error {
	// Abort rules see the raw tag map, before omit filtering.
	rules, err := c.store.ListAbortRules(
		ctx,
		run.Application, run.TestType, run.TestEnvironment,
		string(alert.Source),
	)
	if err != nil {
		return fmt.Errorf("listing abort rules: %w", err)
	}

	if key, value, aborted := evaluateAbortRules(rules, alert.RawTags); aborted {
		message := fmt.Sprintf(
			"Test run aborted: alert tag %s=%s matched abort rule: %s",
			key, value, alert.Message,
		)

		if err := c.store.SetAbort(ctx, run.TestRunID, message); err != nil {
			c.log.WithError(err).
				WithField("test_run_id", run.TestRunID).
				Warn("Failed to flag test run for abort")
		} else {
			c.log.WithField("test_run_id", run.TestRunID).
				WithField("tag", key+"="+value).
				Info("Test run flagged for abort")
		}
	}

	record := &store.TestRunAlert{
		TestRunDBID:  run.ID,
		Timestamp:    alert.Time,
		Message:      alert.Message,
		Tags:         c.buildTagList(ctx, alert),
		URL:          alert.URL,
		GeneratorURL: alert.GeneratorURL,
		PanelURL:     alert.PanelURL,
	}

	if err := c.store.AppendAlert(ctx, record); err != nil {
		return fmt.Errorf("appending alert record: %w", err)
	}

	c.enqueueAnnotations(ctx, alert, run, record)

	return nil
}

// buildTagList assembles the canonical tag list: source first, then the
// measurement when resolved, then the alert's own tags with omitted keys
// stripped.
func (c *Correlator) buildTagList(
	ctx context.Context, alert *NormalizedAlert,
) []store.Tag {
	tags := make([]store.Tag, 0, len(alert.Tags)+2)
	tags = append(tags, store.Tag{Key: "source", Value: string(alert.Source)})

	if alert.Metric != "" {
		tags = append(tags, store.Tag{Key: "measurement", Value: alert.Metric})
	}

	omitKeys, err := c.store.ListOmitTagKeys(ctx, string(alert.Source))
	if err != nil {
		c.log.WithError(err).Warn("Failed to list omit tag rules")

		omitKeys = nil
	}

	omit := make(map[string]struct{}, len(omitKeys))
	for _, k := range omitKeys {
		omit[k] = struct{}{}
	}

	for _, tag := range alert.Tags {
		if _, omitted := omit[tag.Key]; omitted {
			continue
		}

		tags = append(tags, tag)
	}

	return tags
}

// enqueueAnnotations fans out one annotation job per dashboard configured
// for the run's application and environment, deduplicated by dashboard UID
// so a multi-series alert never double-annotates the same dashboard.
func (c *Correlator) enqueueAnnotations(
	ctx context.Context,
	alert *NormalizedAlert,
	run *store.TestRun,
	record *store.TestRunAlert,
) {
	dashboards, err := c.store.ListDashboards(
		ctx, run.Application, run.TestEnvironment,
	)
	if err != nil {
		c.log.WithError(err).
			WithField("test_run_id", run.TestRunID).
			Warn("Failed to list dashboards for annotation")

		return
	}

	seen := make(map[string]struct{}, len(dashboards))

	for _, dashboard := range dashboards {
		if _, dup := seen[dashboard.DashboardUID]; dup {
			continue
		}

		seen[dashboard.DashboardUID] = struct{}{}

		c.dispatcher.Enqueue(&annotate.Job{
			DashboardUID: dashboard.DashboardUID,
			Time:         alert.Time,
			Tags: []string{
				string(alert.Source),
				run.Application,
				run.TestEnvironment,
			},
			Text:           alert.Message,
			AlertID:        record.ID,
			TestRunDBID:    run.ID,
			AlertTimestamp: record.Timestamp,
			AlertMessage:   record.Message,
		})
	}
}
