package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

const (
	defaultHealthCheckInterval      = 5 * time.Minute
	defaultReplicationCheckInterval = 10 * time.Minute
)

var validate = validator.New()

// SetDefaults fills the interval fields, which have no default tag
func (s *Settings) SetDefaults() {
	if s.HealthCheckInterval == 0 {
		s.HealthCheckInterval = Duration(defaultHealthCheckInterval)
	}
	if s.ReplicationCheckInterval == 0 {
		s.ReplicationCheckInterval = Duration(defaultReplicationCheckInterval)
	}
}

// Default returns the settings used when no settings document exists
func Default() Settings {
	var s Settings
	if err := defaults.Set(&s); err != nil {
		// Only reachable if a default tag is malformed
		panic(fmt.Sprintf("settings: invalid default tags: %v", err))
	}
	return s
}

// Validate checks the replica ordering and the ranges of every field
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return describe(verrs)
		}
		return err
	}
	return nil
}

// Apply merges u into s and validates the result. s is never modified; on error the
// returned settings are the zero value.
func (s Settings) Apply(u Update) (Settings, error) {
	next := s

	if u.MinReplicas != nil {
		next.MinReplicas = *u.MinReplicas
	}
	if u.MaxReplicas != nil {
		next.MaxReplicas = *u.MaxReplicas
	}
	if u.TargetReplicas != nil {
		next.TargetReplicas = *u.TargetReplicas
	}
	if u.MaxTotalStorageGB != nil {
		next.MaxTotalStorageGB = *u.MaxTotalStorageGB
	}
	if u.Policy != nil {
		p, err := ParsePolicy(*u.Policy)
		if err != nil {
			return Settings{}, err
		}
		next.Policy = p
	}
	if u.AutoReplication != nil {
		next.AutoReplication = *u.AutoReplication
	}
	if u.HealthCheckInterval != nil {
		next.HealthCheckInterval = *u.HealthCheckInterval
	}
	if u.ReplicationCheckInterval != nil {
		next.ReplicationCheckInterval = *u.ReplicationCheckInterval
	}
	if u.EnableCostOptimization != nil {
		next.EnableCostOptimization = *u.EnableCostOptimization
	}
	if u.EmergencyBackupEnabled != nil {
		next.EmergencyBackupEnabled = *u.EmergencyBackupEnabled
	}

	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	return next, nil
}

// describe turns validator errors into messages phrased in terms of the document keys
func describe(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonName(fe.Field())
		switch fe.Tag() {
		case "gtefield", "ltefield":
			op := ">="
			if fe.Tag() == "ltefield" {
				op = "<="
			}
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s (got %v)", field, op, jsonName(fe.Param()), fe.Value()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s] (got %v)", field, fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

var fieldNames = map[string]string{
	"MinReplicas":              "min_replicas",
	"MaxReplicas":              "max_replicas",
	"TargetReplicas":           "target_replicas",
	"MaxTotalStorageGB":        "max_total_storage_gb",
	"Policy":                   "policy",
	"HealthCheckInterval":      "health_check_interval",
	"ReplicationCheckInterval": "replication_check_interval",
}

func jsonName(field string) string {
	if n, ok := fieldNames[field]; ok {
		return n
	}
	return field
}
