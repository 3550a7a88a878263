package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/store"
)

// httpAnalysisClient posts completed test-run ids to the configured
// analysis endpoint.
type httpAnalysisClient struct {
	log    logrus.FieldLogger
	cfg    config.AnalysisConfig
	client *http.Client
}

var _ AnalysisClient = (*httpAnalysisClient)(nil)

// NewAnalysisClient creates the analysis trigger client, or nil when
// analysis is disabled.
func NewAnalysisClient(
	log logrus.FieldLogger, cfg config.AnalysisConfig,
) AnalysisClient {
	if !cfg.Enabled {
		return nil
	}

	return &httpAnalysisClient{
		log: log.WithField("component", "analysis-client"),
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Trigger posts the test-run id to the analysis endpoint. The caller does
// not wait for analysis to finish; only the handoff is confirmed.
func (c *httpAnalysisClient) Trigger(
	ctx context.Context, testRunID string,
) error {
	body, err := json.Marshal(map[string]string{"testRunId": testRunID})
	if err != nil {
		return fmt.Errorf("encoding analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("creating analysis request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting analysis request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis endpoint returned %s", resp.Status)
	}

	c.log.WithField("test_run_id", testRunID).
		Debug("Analysis triggered")

	return nil
}

// noopClassifier satisfies the Classifier hook without doing work. The
// classification pipeline lives outside this service.
type noopClassifier struct{}

var _ Classifier = (*noopClassifier)(nil)

// NewNoopClassifier returns a classifier that accepts every run.
func NewNoopClassifier() Classifier {
	return &noopClassifier{}
}

func (noopClassifier) Classify(context.Context, *store.TestRun) error {
	return nil
}
