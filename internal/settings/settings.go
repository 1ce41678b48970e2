// Package settings provides the value sources the workflow policy is read from.
package settings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/banf/internal/orderrequest"
)

// Source is satisfied by every settings backend.
type Source = orderrequest.ValueSource

// PolicyEnv mirrors the policy settings as environment variables.
// Empty values mean "not configured".
type PolicyEnv struct {
	Mode                string `envconfig:"POLICY_MODE"`
	RestrictToAssigned  string `envconfig:"APPROVAL_RESTRICT_TO_ASSIGNED_APPROVER"`
	ForbidSelfApproval  string `envconfig:"APPROVAL_FORBID_SELF_APPROVAL"`
	BudgetAutoThreshold string `envconfig:"BUDGET_AUTO_THRESHOLD"`
}

// EnvSource serves values captured from the environment.
type EnvSource struct {
	values map[string]string
}

// LoadEnv reads the policy variables under prefix, e.g. BANF_POLICY_MODE for prefix "BANF".
func LoadEnv(prefix string) (*EnvSource, error) {
	var env PolicyEnv
	if err := envconfig.Process(prefix, &env); err != nil {
		return nil, fmt.Errorf("settings: env: %w", err)
	}
	return NewEnvSource(env), nil
}

// NewEnvSource wraps already loaded variables.
func NewEnvSource(env PolicyEnv) *EnvSource {
	return &EnvSource{values: map[string]string{
		orderrequest.SettingPolicyMode:          env.Mode,
		orderrequest.SettingRestrictToAssigned:  env.RestrictToAssigned,
		orderrequest.SettingForbidSelfApproval:  env.ForbidSelfApproval,
		orderrequest.SettingBudgetAutoThreshold: env.BudgetAutoThreshold,
	}}
}

// Value implements Source.
func (s *EnvSource) Value(_ context.Context, key string) (string, bool, error) {
	v := strings.TrimSpace(s.values[key])
	return v, v != "", nil
}

// FileSource serves values from a flat YAML document.
type FileSource struct {
	path   string
	values map[string]string
}

// LoadFile parses a YAML file of key: value pairs.
func LoadFile(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	src, err := ParseYAML(raw)
	if err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	src.path = path
	return src, nil
}

// ParseYAML builds a FileSource from YAML bytes. Scalars of any type are kept
// in their textual form; nested mappings are rejected.
func ParseYAML(raw []byte) (*FileSource, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(doc))
	for key, node := range doc {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("setting %q must be a scalar", key)
		}
		values[key] = node.Value
	}
	return &FileSource{values: values}, nil
}

// Value implements Source.
func (s *FileSource) Value(_ context.Context, key string) (string, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}

// Chain consults sources in order; the first one holding a key wins.
type Chain []Source

// Value implements Source. A failing source is skipped; its error is only
// returned when no later source has the key.
func (c Chain) Value(ctx context.Context, key string) (string, bool, error) {
	var firstErr error
	for _, src := range c {
		if src == nil {
			continue
		}
		v, ok, err := src.Value(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, firstErr
}
