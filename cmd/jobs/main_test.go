package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/types"
)

func TestFlags_Backfill(t *testing.T) {
	fs, build := newFlagSet()
	require.NoError(t, fs.Parse([]string{"-job", "media-backfill", "-usernames", " alice, ,bob", "-limit", "10", "-force", "-json"}))
	opts := build()

	assert.Equal(t, types.TaskMediaBackfill, opts.req.Task)
	assert.True(t, opts.req.Manual)
	assert.True(t, opts.asJSON)
	assert.Empty(t, opts.req.Usernames)
	assert.Equal(t, media.BackfillParams{Usernames: []string{"alice", "bob"}, Limit: 10, Force: true}, opts.req.Backfill)
}

func TestFlags_FetchDefaults(t *testing.T) {
	fs, build := newFlagSet()
	require.NoError(t, fs.Parse([]string{"-usernames", "carol", "-manual=false"}))
	opts := build()

	assert.Equal(t, types.TaskFetch, opts.req.Task)
	assert.False(t, opts.req.Manual)
	assert.Equal(t, []string{"carol"}, opts.req.Usernames)
	assert.Equal(t, media.BackfillParams{}, opts.req.Backfill)
}

func TestFlags_ForceOnlyLiftsPriorityRestriction(t *testing.T) {
	fs, _ := newFlagSet()
	usage := fs.Lookup("force").Usage
	assert.Contains(t, usage, "priority restriction")
	assert.NotContains(t, usage, "re-download")
}
