package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/odyssey-erp/banf/internal/orderrequest"
)

// SettingsStore is the writable settings backend, normally the Redis source.
type SettingsStore interface {
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]string, error)
}

// SettingsCLI edits the live workflow policy.
type SettingsCLI struct {
	store  SettingsStore
	Stdout io.Writer
	Stderr io.Writer
}

// NewSettingsCLI constructs the helper.
func NewSettingsCLI(store SettingsStore) *SettingsCLI {
	return &SettingsCLI{store: store, Stdout: os.Stdout, Stderr: os.Stderr}
}

var knownSettings = []string{
	orderrequest.SettingPolicyMode,
	orderrequest.SettingRestrictToAssigned,
	orderrequest.SettingForbidSelfApproval,
	orderrequest.SettingBudgetAutoThreshold,
}

// ValidateSetting rejects unknown keys and values the policy loader would
// silently replace with a fallback.
func ValidateSetting(key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case orderrequest.SettingPolicyMode:
		switch orderrequest.PolicyMode(strings.ToLower(value)) {
		case orderrequest.PolicyOff, orderrequest.PolicyWarn, orderrequest.PolicyEnforce:
			return nil
		}
		return fmt.Errorf("%s must be one of off, warn, enforce", key)
	case orderrequest.SettingRestrictToAssigned, orderrequest.SettingForbidSelfApproval:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s must be a boolean", key)
		}
		return nil
	case orderrequest.SettingBudgetAutoThreshold:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
		return nil
	}
	return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(knownSettings, ", "))
}

// SetCommand stores one setting and returns the process exit code.
func (c *SettingsCLI) SetCommand(ctx context.Context, key, value string) int {
	if err := ValidateSetting(key, value); err != nil {
		_, _ = fmt.Fprintln(c.Stderr, "settings set:", err)
		return 2
	}
	if err := c.store.Set(ctx, key, strings.TrimSpace(value)); err != nil {
		_, _ = fmt.Fprintln(c.Stderr, "settings set:", err)
		return 1
	}
	_, _ = fmt.Fprintf(c.Stdout, "%s=%s\n", key, strings.TrimSpace(value))
	return 0
}

// UnsetCommand removes a stored setting so lower sources apply again.
func (c *SettingsCLI) UnsetCommand(ctx context.Context, key string) int {
	if err := c.store.Delete(ctx, key); err != nil {
		_, _ = fmt.Fprintln(c.Stderr, "settings unset:", err)
		return 1
	}
	return 0
}

// ShowCommand prints the stored settings together with the effective policy
// resolved through effective.
func (c *SettingsCLI) ShowCommand(ctx context.Context, effective orderrequest.ValueSource, jsonOutput bool) int {
	stored, err := c.store.All(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(c.Stderr, "settings show:", err)
		return 1
	}
	policy := orderrequest.LoadPolicy(ctx, effective, nil)
	if jsonOutput {
		enc := json.NewEncoder(c.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"stored": stored,
			"effective": map[string]any{
				orderrequest.SettingPolicyMode:          policy.Mode,
				orderrequest.SettingRestrictToAssigned:  policy.RestrictToAssignedApprover,
				orderrequest.SettingForbidSelfApproval:  policy.ForbidSelfApproval,
				orderrequest.SettingBudgetAutoThreshold: policy.BudgetAutoThreshold,
			},
		})
		return 0
	}
	keys := make([]string, 0, len(stored))
	for k := range stored {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_, _ = fmt.Fprintln(c.Stdout, "# stored")
	for _, k := range keys {
		_, _ = fmt.Fprintf(c.Stdout, "%s=%s\n", k, stored[k])
	}
	_, _ = fmt.Fprintln(c.Stdout, "# effective")
	_, _ = fmt.Fprintf(c.Stdout, "%s=%s\n", orderrequest.SettingPolicyMode, policy.Mode)
	_, _ = fmt.Fprintf(c.Stdout, "%s=%t\n", orderrequest.SettingRestrictToAssigned, policy.RestrictToAssignedApprover)
	_, _ = fmt.Fprintf(c.Stdout, "%s=%t\n", orderrequest.SettingForbidSelfApproval, policy.ForbidSelfApproval)
	_, _ = fmt.Fprintf(c.Stdout, "%s=%d\n", orderrequest.SettingBudgetAutoThreshold, policy.BudgetAutoThreshold)
	return 0
}
