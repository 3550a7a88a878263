package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/perflens/perflens/pkg/config"
)

const requestTimeout = 10 * time.Second

// AnnotationRequest describes one annotation to create on a dashboard.
type AnnotationRequest struct {
	DashboardUID string   `json:"dashboardUID"`
	Time         int64    `json:"time"`
	Tags         []string `json:"tags"`
	Text         string   `json:"text"`
}

// Client talks to the external dashboard product's HTTP API.
type Client interface {
	// CreateAnnotation posts an annotation and returns its external id.
	CreateAnnotation(ctx context.Context, req *AnnotationRequest) (int64, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	cfg  *config.GrafanaConfig
	http *http.Client
}

// NewClient creates a Grafana API client.
func NewClient(cfg *config.GrafanaConfig) Client {
	return &client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c *client) CreateAnnotation(
	ctx context.Context, req *AnnotationRequest,
) (int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshalling annotation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.cfg.URL+"/api/annotations",
		bytes.NewReader(body),
	)
	if err != nil {
		return 0, fmt.Errorf("building annotation request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.cfg.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("posting annotation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf(
			"posting annotation: unexpected status %d", resp.StatusCode,
		)
	}

	var result struct {
		ID int64 `json:"id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decoding annotation response: %w", err)
	}

	return result.ID, nil
}
