package alert

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // generic, slack, pagerduty
	Events  []string          `yaml:"events"  json:"events"` // BLOCK, WARN, ALLOW, degraded
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp  string `json:"timestamp"`
	RecordID   int64  `json:"record_id"`
	PolicyID   string `json:"policy_id"`
	Action     string `json:"final_action"`
	AttackType string `json:"attack_type,omitempty"`
	Reason     string `json:"reason"`
	RecordHash string `json:"record_hash"`
	Type       string `json:"type,omitempty"` // "degraded" when a check fell back
}
