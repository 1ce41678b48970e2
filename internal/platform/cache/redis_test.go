package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := New(context.Background(), Options{Addr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := srv.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.SetError("LOADING")
	_, err := New(context.Background(), Options{Addr: srv.Addr()})
	require.Error(t, err)
}

func TestOptionsAsynq(t *testing.T) {
	opt := Options{Addr: "redis:6379", Password: "pw", DB: 2}.Asynq()
	require.Equal(t, "redis:6379", opt.Addr)
	require.Equal(t, "pw", opt.Password)
	require.Equal(t, 2, opt.DB)
}
