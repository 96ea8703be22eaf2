package backend

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Type identifies the kind of storage destination behind a backend
type Type int

const (
	TypeLocal Type = iota + 1
	TypeClustered
	TypeArchival
	TypePinningServiceA
	TypePinningServiceB
	TypeGenericWebStorage
)

var typeNames = map[Type]string{
	TypeLocal:             "local",
	TypeClustered:         "clustered",
	TypeArchival:          "archival",
	TypePinningServiceA:   "pinning-service-A",
	TypePinningServiceB:   "pinning-service-B",
	TypeGenericWebStorage: "generic-web-storage",
}

// Types returns every known backend type in declaration order
func Types() []Type {
	return []Type{TypeLocal, TypeClustered, TypeArchival, TypePinningServiceA, TypePinningServiceB, TypeGenericWebStorage}
}

// ParseType parses a backend type from its name. Matching ignores case and treats
// '_' like '-'.
func ParseType(s string) (Type, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for t, name := range typeNames {
		if strings.ToLower(name) == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown backend type %q", s)
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Valid reports whether t is one of the declared types
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// MarshalText encodes the type as its name
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid backend type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes the type from its name
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalYAML encodes the type as its name
func (t Type) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML decodes the type from its name
func (t *Type) UnmarshalYAML(value *yaml.Node) error {
	return t.UnmarshalText([]byte(value.Value))
}

// Config describes one named backend
type Config struct {
	Name         string            `json:"name" yaml:"name" validate:"required,max=128,backendname"`
	Type         Type              `json:"backend_type" yaml:"backend_type" validate:"backendtype"`
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Credential   string            `json:"credential,omitempty" yaml:"credential,omitempty"`
	MaxStorageGB float64           `json:"max_storage_gb" yaml:"max_storage_gb" validate:"gte=0,lte=1000000000"`
	CostPerGB    *float64          `json:"cost_per_gb,omitempty" yaml:"cost_per_gb,omitempty" validate:"omitempty,gte=0"`
	Priority     int               `json:"priority" yaml:"priority" validate:"gte=0"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Order        int64             `json:"order" yaml:"order"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Update carries a partial backend change; nil fields are left untouched. Type is the
// string form so callers can re-type a backend without importing this package's enum.
type Update struct {
	Type         *string           `json:"backend_type,omitempty"`
	Endpoint     *string           `json:"endpoint,omitempty"`
	Credential   *string           `json:"credential,omitempty"`
	MaxStorageGB *float64          `json:"max_storage_gb,omitempty"`
	CostPerGB    *float64          `json:"cost_per_gb,omitempty"`
	Priority     *int              `json:"priority,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of c
func (c Config) Clone() Config {
	out := c
	if c.CostPerGB != nil {
		v := *c.CostPerGB
		out.CostPerGB = &v
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Cost returns the per-GB cost, treating an unset cost as free
func (c Config) Cost() float64 {
	if c.CostPerGB == nil {
		return 0
	}
	return *c.CostPerGB
}

// Redacted returns a copy safe for logs and CLI output
func (c Config) Redacted() Config {
	out := c.Clone()
	if out.Credential != "" {
		out.Credential = "***"
	}
	return out
}
