package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/credential"
)

func TestStore(t *testing.T) {
	s, err := New(Config{ShardCount: 8})
	require.Nil(t, err)
	credential.TestStore(t, s)
}
