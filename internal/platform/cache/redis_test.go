package cache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url://x", "telemed:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestNewRedis_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedis(ctx, "redis://"+addr+"/0", "telemed:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis")
}

func TestRedis_KeyPrefix(t *testing.T) {
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "telemed:")
	defer r.Close()
	assert.Equal(t, "telemed:consultation:abc", r.key("consultation:abc"))
}

func TestRedis_DeleteNoKeys(t *testing.T) {
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer r.Close()
	assert.NoError(t, r.Delete(context.Background()))
}

func TestRedis_ImplementsStore(t *testing.T) {
	var _ Store = (*Redis)(nil)
}
