package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path := ResultPath(3, 11)
	assert.Equal(t, "project/3/compliance-11.json", path)

	require.NoError(t, s.Write(ctx, path, []byte(`{"approved":true}`)))

	data, err := s.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, `{"approved":true}`, string(data))

	ok, err := s.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)

	paths, err := s.List(ctx, "project/3")
	require.NoError(t, err)
	assert.Equal(t, []string{"project/3/compliance-11.json"}, paths)

	require.NoError(t, s.Delete(ctx, path))
	ok, err = s.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorageReadMissing(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read(context.Background(), "project/1/compliance-1.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStorageDeleteMissing(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	err = s.Delete(context.Background(), "nope.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}
