package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkers_PublishAndClear(t *testing.T) {
	m := OpenMarkers(filepath.Join(t.TempDir(), "priority_queue"), nil)

	assert.False(t, m.Any())
	keys, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, m.Publish("happy"))
	require.NoError(t, m.Publish("sad"))
	require.NoError(t, m.Publish("happy"), "publishing twice refreshes the marker")

	assert.True(t, m.Any())
	assert.True(t, m.Has("happy"))
	keys, err = m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"happy", "sad"}, keys)

	remaining, err := m.Clear("happy")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = m.Clear("happy")
	require.NoError(t, err, "clearing an absent marker is fine")
	assert.Equal(t, 1, remaining)

	remaining, err = m.Clear("sad")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.False(t, m.Any())
}
