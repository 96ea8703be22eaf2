package settings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy controls how aggressively the monitor closes replication deficits
type Policy string

const (
	PolicyConservative Policy = "conservative"
	PolicyBalanced     Policy = "balanced"
	PolicyAggressive   Policy = "aggressive"
)

// ParsePolicy parses a policy from its name (case-insensitive)
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyConservative, PolicyBalanced, PolicyAggressive:
		return p, nil
	default:
		return "", fmt.Errorf("unknown replication policy %q", s)
	}
}

// BatchSize scales the monitor's base batch size for the policy
func (p Policy) BatchSize(base int) int {
	switch p {
	case PolicyConservative:
		if base/2 < 1 {
			return 1
		}
		return base / 2
	case PolicyAggressive:
		return base * 2
	default:
		return base
	}
}

// Duration wraps time.Duration so that settings documents carry "5m0s" instead of
// nanoseconds. Plain numbers are read as seconds.
type Duration time.Duration

// Std returns the underlying time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON outputs the duration as a quoted string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration string %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be string or number, got: %s", string(data))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML outputs the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML parses a duration string or a number of seconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Settings is the global replication policy
type Settings struct {
	MinReplicas              int      `json:"min_replicas" yaml:"min_replicas" default:"2" validate:"min=1"`
	MaxReplicas              int      `json:"max_replicas" yaml:"max_replicas" default:"5" validate:"gtefield=MinReplicas"`
	TargetReplicas           int      `json:"target_replicas" yaml:"target_replicas" default:"3" validate:"gtefield=MinReplicas,ltefield=MaxReplicas"`
	MaxTotalStorageGB        float64  `json:"max_total_storage_gb" yaml:"max_total_storage_gb" default:"1000" validate:"gte=0,lte=1000000000"`
	Policy                   Policy   `json:"policy" yaml:"policy" default:"balanced" validate:"oneof=conservative balanced aggressive"`
	AutoReplication          bool     `json:"auto_replication" yaml:"auto_replication" default:"true"`
	HealthCheckInterval      Duration `json:"health_check_interval" yaml:"health_check_interval" validate:"gt=0"`
	ReplicationCheckInterval Duration `json:"replication_check_interval" yaml:"replication_check_interval" validate:"gt=0"`
	EnableCostOptimization   bool     `json:"enable_cost_optimization" yaml:"enable_cost_optimization" default:"false"`
	EmergencyBackupEnabled   bool     `json:"emergency_backup_enabled" yaml:"emergency_backup_enabled" default:"true"`
}

// Update carries a partial settings change; nil fields are left untouched
type Update struct {
	MinReplicas              *int      `json:"min_replicas,omitempty"`
	MaxReplicas              *int      `json:"max_replicas,omitempty"`
	TargetReplicas           *int      `json:"target_replicas,omitempty"`
	MaxTotalStorageGB        *float64  `json:"max_total_storage_gb,omitempty"`
	Policy                   *string   `json:"policy,omitempty"`
	AutoReplication          *bool     `json:"auto_replication,omitempty"`
	HealthCheckInterval      *Duration `json:"health_check_interval,omitempty"`
	ReplicationCheckInterval *Duration `json:"replication_check_interval,omitempty"`
	EnableCostOptimization   *bool     `json:"enable_cost_optimization,omitempty"`
	EmergencyBackupEnabled   *bool     `json:"emergency_backup_enabled,omitempty"`
}

// IsEmpty reports whether the update changes nothing
func (u Update) IsEmpty() bool {
	return u == Update{}
}
