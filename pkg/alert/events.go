package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/perflens/perflens/pkg/store"
)

// eventWindow is wider than the alert correlation window: events arrive
// from slower tooling than alert pipelines do.
const eventWindow = 120 * time.Second

// filteredEventTitles are events already represented by the lifecycle ping
// itself and never recorded separately.
var filteredEventTitles = map[string]struct{}{
	"Test start": {},
	"Test end":   {},
}

// Event is a free-text event delivered by external tooling.
type Event struct {
	Application     string    `json:"application"`
	TestEnvironment string    `json:"testEnvironment"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// ProcessEvent correlates a free-text event against active test runs by
// exact application/environment equality. It returns the match count; no
// match is not an error.
func (c *Correlator) ProcessEvent(
	ctx context.Context, event *Event,
) (int, error) {
	if event.Application == "" || event.TestEnvironment == "" ||
		event.Title == "" {
		return 0, fmt.Errorf("%w: application, testEnvironment and title are required",
			ErrMalformedPayload)
	}

	if _, filtered := filteredEventTitles[event.Title]; filtered {
		return 0, nil
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	runs, err := c.store.ListActiveTestRuns(
		ctx, time.Now().UTC().Add(-eventWindow),
	)
	if err != nil {
		return 0, fmt.Errorf("listing active runs: %w", err)
	}

	tags := make([]store.Tag, 0, len(event.Tags))
	for _, t := range event.Tags {
		tags = append(tags, store.Tag{Key: "tag", Value: t})
	}

	matches := 0

	for i := range runs {
		run := &runs[i]

		if run.Application != event.Application ||
			run.TestEnvironment != event.TestEnvironment {
			continue
		}

		matches++

		if err := c.store.AppendEvent(ctx, &store.TestRunEvent{
			TestRunDBID: run.ID,
			Timestamp:   timestamp,
			Title:       event.Title,
			Description: event.Description,
			Tags:        tags,
		}); err != nil {
			c.log.WithError(err).
				WithField("test_run_id", run.TestRunID).
				Warn("Failed to record event")
		}
	}

	return matches, nil
}
