package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/banf/internal/orderrequest"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestEnvSource(t *testing.T) {
	t.Setenv("BANF_POLICY_MODE", "enforce")
	t.Setenv("BANF_BUDGET_AUTO_THRESHOLD", "1000")

	src, err := LoadEnv("BANF")
	require.NoError(t, err)

	v, ok, err := src.Value(context.Background(), orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "enforce", v)

	_, ok, err = src.Value(context.Background(), orderrequest.SettingForbidSelfApproval)
	require.NoError(t, err)
	require.False(t, ok)

	policy := orderrequest.LoadPolicy(context.Background(), src, nil)
	require.Equal(t, orderrequest.PolicyEnforce, policy.Mode)
	require.Equal(t, int64(1000), policy.BudgetAutoThreshold)
	require.True(t, policy.ForbidSelfApproval)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policy_mode: "off"
approval_restrict_to_assigned_approver: false
budget_auto_threshold: 2500
`), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)
	policy := orderrequest.LoadPolicy(context.Background(), src, nil)
	require.Equal(t, orderrequest.PolicyOff, policy.Mode)
	require.False(t, policy.RestrictToAssignedApprover)
	require.Equal(t, int64(2500), policy.BudgetAutoThreshold)

	_, err = ParseYAML([]byte("policy_mode:\n  nested: true\n"))
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRedisSource(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	mr.HSet(DefaultRedisKey, orderrequest.SettingPolicyMode, "enforce")

	src := NewRedisSource(client, "", time.Minute)
	v, ok, err := src.Value(ctx, orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "enforce", v)

	mr.HSet(DefaultRedisKey, orderrequest.SettingPolicyMode, "off")
	v, _, err = src.Value(ctx, orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.Equal(t, "enforce", v, "cached until ttl expires")

	require.NoError(t, src.Set(ctx, orderrequest.SettingBudgetAutoThreshold, "750"))
	all, err := src.All(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		orderrequest.SettingPolicyMode:          "off",
		orderrequest.SettingBudgetAutoThreshold: "750",
	}, all)

	require.NoError(t, src.Delete(ctx, orderrequest.SettingPolicyMode))
	_, ok, err = src.Value(ctx, orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSourceFetchOutlivesCanceledCaller(t *testing.T) {
	mr, client := newRedis(t)
	mr.HSet(DefaultRedisKey, orderrequest.SettingPolicyMode, "enforce")
	src := NewRedisSource(client, "", time.Minute)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	values, err := src.fetch(canceled)
	require.NoError(t, err)
	require.Equal(t, "enforce", values[orderrequest.SettingPolicyMode])

	// the snapshot is cached for the callers that shared the fetch
	mr.HSet(DefaultRedisKey, orderrequest.SettingPolicyMode, "off")
	v, ok, err := src.Value(context.Background(), orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "enforce", v)
}

func TestRedisSourceWithoutCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	src := NewRedisSource(client, "custom:settings", 0)

	_, ok, err := src.Value(ctx, orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.False(t, ok)

	mr.HSet("custom:settings", orderrequest.SettingPolicyMode, "warn")
	v, ok, err := src.Value(ctx, orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "warn", v)
}

func TestRedisSourceReportsOutage(t *testing.T) {
	mr, client := newRedis(t)
	src := NewRedisSource(client, "", 0)
	mr.SetError("LOADING redis is loading the dataset")

	_, _, err := src.Value(context.Background(), orderrequest.SettingPolicyMode)
	require.Error(t, err)
}

type failingSource struct{}

func (failingSource) Value(context.Context, string) (string, bool, error) {
	return "", false, errors.New("boom")
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	file, err := ParseYAML([]byte("policy_mode: warn\nbudget_auto_threshold: 10\n"))
	require.NoError(t, err)
	env := NewEnvSource(PolicyEnv{Mode: "enforce"})
	chain := Chain{failingSource{}, env, nil, file}

	v, ok, err := chain.Value(ctx, orderrequest.SettingPolicyMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "enforce", v)

	v, ok, err = chain.Value(ctx, orderrequest.SettingBudgetAutoThreshold)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10", v)

	_, ok, err = chain.Value(ctx, orderrequest.SettingForbidSelfApproval)
	require.False(t, ok)
	require.EqualError(t, err, "boom")
}
