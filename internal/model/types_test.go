package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnapshotType(t *testing.T) {
	got, err := ParseSnapshotType("auto")
	require.NoError(t, err)
	assert.Equal(t, SnapshotAuto, got)

	_, err = ParseSnapshotType("daily")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"owner", "editor", "viewer"} {
		r, err := ParseRole(s)
		require.NoError(t, err)
		assert.Equal(t, Role(s), r)
	}
	_, err := ParseRole("admin")
	assert.Error(t, err)
}

func TestHistoryPage_HasMore(t *testing.T) {
	assert.False(t, HistoryPage{}.HasMore())
	assert.True(t, HistoryPage{NextOffset: 20}.HasMore())
}
