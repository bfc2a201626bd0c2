package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New[string](time.Minute)
	key := Key{TenantID: "t1", UserID: 42}

	_, ok := s.Get(key)
	require.False(t, ok)

	s.Put(key, "hello")
	got, ok := s.Get(key)
	require.True(t, ok)
	require.Equal(t, "hello", got)

	// Same user under another tenant is a distinct session.
	_, ok = s.Get(Key{TenantID: "t2", UserID: 42})
	require.False(t, ok)

	s.Delete(key)
	_, ok = s.Get(key)
	require.False(t, ok)
}

func TestExpiry(t *testing.T) {
	s := New[int](time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	key := Key{TenantID: "t1", UserID: 1}
	s.Put(key, 7)

	now = now.Add(30 * time.Second)
	_, ok := s.Get(key)
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = s.Get(key)
	require.False(t, ok)
	require.Equal(t, 0, s.Len(), "expired entry is dropped on access")
}
