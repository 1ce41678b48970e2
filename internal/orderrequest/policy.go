package orderrequest

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// PolicyMode controls how workflow policy violations are treated.
type PolicyMode string

const (
	PolicyOff     PolicyMode = "off"
	PolicyWarn    PolicyMode = "warn"
	PolicyEnforce PolicyMode = "enforce"
)

// Setting keys read by LoadPolicy.
const (
	SettingPolicyMode          = "policy_mode"
	SettingRestrictToAssigned  = "approval_restrict_to_assigned_approver"
	SettingForbidSelfApproval  = "approval_forbid_self_approval"
	SettingBudgetAutoThreshold = "budget_auto_threshold"
)

// Policy is the workflow strictness configuration.
type Policy struct {
	Mode                       PolicyMode
	RestrictToAssignedApprover bool
	ForbidSelfApproval         bool
	// BudgetAutoThreshold of 0 disables threshold routing.
	BudgetAutoThreshold int64
}

// DefaultPolicy returns the safe defaults.
func DefaultPolicy() Policy {
	return Policy{
		Mode:                       PolicyWarn,
		RestrictToAssignedApprover: true,
		ForbidSelfApproval:         true,
	}
}

// Enforced reports whether violations block.
func (p Policy) Enforced() bool {
	return p.Mode == PolicyEnforce
}

// ThresholdReached reports whether total is at or above a configured threshold.
func (p Policy) ThresholdReached(total float64) bool {
	return p.BudgetAutoThreshold > 0 && total >= float64(p.BudgetAutoThreshold)
}

// violationSeverity maps the mode to the severity of a policy violation.
// ok is false when violations are ignored.
func (p Policy) violationSeverity() (Severity, bool) {
	switch p.Mode {
	case PolicyEnforce:
		return SeverityBlocking, true
	case PolicyOff:
		return "", false
	default:
		return SeverityWarning, true
	}
}

// ValueSource provides raw configuration values by key.
type ValueSource interface {
	Value(ctx context.Context, key string) (string, bool, error)
}

// PolicyLoader yields the policy in force for a write attempt.
type PolicyLoader interface {
	Load(ctx context.Context) Policy
}

// StaticPolicy always returns the same policy.
type StaticPolicy Policy

// Load implements PolicyLoader.
func (p StaticPolicy) Load(context.Context) Policy {
	return Policy(p)
}

// SourcePolicy reads the policy from a ValueSource on every Load.
type SourcePolicy struct {
	Source ValueSource
	Logger *slog.Logger
}

// Load implements PolicyLoader.
func (p SourcePolicy) Load(ctx context.Context) Policy {
	return LoadPolicy(ctx, p.Source, p.Logger)
}

// LoadPolicy reads every setting from src. Missing, unreadable or invalid values
// fall back to their defaults; errors are logged, never returned.
func LoadPolicy(ctx context.Context, src ValueSource, logger *slog.Logger) Policy {
	policy := DefaultPolicy()
	if src == nil {
		return policy
	}
	if logger == nil {
		logger = slog.Default()
	}

	if raw, ok := readSetting(ctx, src, logger, SettingPolicyMode); ok {
		switch mode := PolicyMode(strings.ToLower(raw)); mode {
		case PolicyOff, PolicyWarn, PolicyEnforce:
			policy.Mode = mode
		default:
			logger.Warn("unknown policy mode, using warn", slog.String("value", raw))
		}
	}
	if raw, ok := readSetting(ctx, src, logger, SettingRestrictToAssigned); ok {
		if v, valid := parseFlag(raw); valid {
			policy.RestrictToAssignedApprover = v
		} else {
			logger.Warn("invalid boolean setting", slog.String("key", SettingRestrictToAssigned), slog.String("value", raw))
		}
	}
	if raw, ok := readSetting(ctx, src, logger, SettingForbidSelfApproval); ok {
		if v, valid := parseFlag(raw); valid {
			policy.ForbidSelfApproval = v
		} else {
			logger.Warn("invalid boolean setting", slog.String("key", SettingForbidSelfApproval), slog.String("value", raw))
		}
	}
	if raw, ok := readSetting(ctx, src, logger, SettingBudgetAutoThreshold); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			logger.Warn("invalid budget threshold", slog.String("value", raw))
		} else {
			policy.BudgetAutoThreshold = n
		}
	}
	return policy
}

func readSetting(ctx context.Context, src ValueSource, logger *slog.Logger, key string) (string, bool) {
	raw, ok, err := src.Value(ctx, key)
	if err != nil {
		logger.Warn("read policy setting", slog.String("key", key), slog.Any("error", err))
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

func parseFlag(raw string) (bool, bool) {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
