package redis

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/credential"
	"github.com/chihaya/warden/pkg/redisconn"
)

func createNew(t *testing.T) credential.Store {
	rs, err := miniredis.Run()
	require.Nil(t, err)
	t.Cleanup(rs.Close)

	s, err := New(Config{
		Config:    redisconn.Config{Broker: fmt.Sprintf("redis://@%s/0", rs.Addr())},
		KeyPrefix: "test:",
	})
	require.Nil(t, err)
	return s
}

func TestStore(t *testing.T) {
	credential.TestStore(t, createNew(t))
}

func TestTokensAreHashedIntoKeys(t *testing.T) {
	s := createNew(t).(*store)
	key := s.credKey("0123456789abcdef0123456789abcdef")
	require.NotContains(t, key, "0123456789abcdef")
	require.Len(t, key, len("test:credential:")+64)
	s.Stop().Wait()
}
