package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed describes correlation rules and dashboard metadata provisioned at
// startup. These records are normally managed by the admin UI; the seed file
// lets a deployment bootstrap them declaratively.
type Seed struct {
	AbortRules   []AbortRuleSeed   `yaml:"abort_rules,omitempty"`
	OmitTagRules []OmitTagRuleSeed `yaml:"omit_tag_rules,omitempty"`
	AlertMapping []AlertMapSeed    `yaml:"alert_mapping,omitempty"`
	Dashboards   []DashboardSeed   `yaml:"dashboards,omitempty"`
	Benchmarks   []BenchmarkSeed   `yaml:"benchmarks,omitempty"`
}

// AbortRuleSeed declares a tag match that flags a running test for abort.
type AbortRuleSeed struct {
	Application     string `yaml:"application"`
	TestType        string `yaml:"test_type"`
	TestEnvironment string `yaml:"test_environment"`
	AlertSource     string `yaml:"alert_source"`
	TagKey          string `yaml:"tag_key"`
	TagValue        string `yaml:"tag_value,omitempty"`
}

// OmitTagRuleSeed declares a tag key stripped from normalized alerts.
type OmitTagRuleSeed struct {
	AlertSource string `yaml:"alert_source"`
	TagKey      string `yaml:"tag_key"`
}

// AlertMapSeed declares a custom Alertmanager label-to-run matching rule.
// Value is a regular expression; placeholders like {{testEnvironment}} are
// resolved against the candidate test run before matching.
type AlertMapSeed struct {
	Application string `yaml:"application"`
	Label       string `yaml:"label"`
	Value       string `yaml:"value"`
}

// DashboardSeed declares a dashboard eligible for snapshot production.
type DashboardSeed struct {
	Application     string `yaml:"application"`
	TestEnvironment string `yaml:"test_environment"`
	DashboardUID    string `yaml:"dashboard_uid"`
	DashboardLabel  string `yaml:"dashboard_label,omitempty"`
	DashboardURL    string `yaml:"dashboard_url,omitempty"`

	// Retention overrides the default data retention window, in seconds.
	Retention int64 `yaml:"retention,omitempty"`
}

// BenchmarkSeed declares a check against a dashboard panel. Only the
// dashboard reference matters to this subsystem: its presence routes the
// dashboard's snapshot jobs to the with-checks queue.
type BenchmarkSeed struct {
	Application     string `yaml:"application"`
	TestType        string `yaml:"test_type"`
	TestEnvironment string `yaml:"test_environment"`
	DashboardUID    string `yaml:"dashboard_uid"`
	Panel           string `yaml:"panel,omitempty"`
}

// LoadSeed reads and parses a seed file from the given path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	return &seed, nil
}
