package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

func TestUpsertMetadata(t *testing.T) {
	s, clock := newTestStore(t, testPolicy)
	ctx := context.Background()

	t.Run("seeds every stage pending", func(t *testing.T) {
		res := seed(t, s, "foo", "1.0.0")
		assert.True(t, res.CreatedCrate)
		assert.True(t, res.CreatedVersion)

		v, err := s.GetVersion(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, res.VersionID, v.ID)
		require.Len(t, v.Stages, len(task.Stages))
		for _, stage := range task.Stages {
			assert.Equal(t, task.StatePending, v.Stage(stage).State, stage)
			assert.Zero(t, v.Stage(stage).AttemptCount)
		}
		assert.Equal(t, clock.Now(), v.Stage(task.FetchMetadata).ReadyAt, "root stage is ready at discovery")
		assert.True(t, v.Stage(task.DownloadArchive).ReadyAt.IsZero())
	})

	t.Run("second version of known crate", func(t *testing.T) {
		res := seed(t, s, "foo", "1.1.0")
		assert.False(t, res.CreatedCrate)
		assert.True(t, res.CreatedVersion)
	})

	t.Run("re-upsert keeps stage records and replaces metadata", func(t *testing.T) {
		complete(t, s, "foo", "1.0.0", task.FetchMetadata, "meta")

		res, err := s.UpsertMetadata(ctx, "foo", "1.0.0", crates.Metadata{Yanked: true})
		require.NoError(t, err)
		assert.False(t, res.CreatedVersion)

		v, err := s.GetVersion(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.True(t, v.Metadata.Yanked)
		assert.Equal(t, "foo", v.Metadata.Name)
		assert.Equal(t, task.StateDone, v.Stage(task.FetchMetadata).State)
	})

	t.Run("rejects invalid versions", func(t *testing.T) {
		_, err := s.UpsertMetadata(ctx, "foo", "1.0", crates.Metadata{})
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
		assert.False(t, errors.IsStorage(err))
	})

	t.Run("counts discoveries per day", func(t *testing.T) {
		dc, err := s.Daily(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, dc.VersionsDiscovered)
		assert.Equal(t, 1, dc.CratesDiscovered)
		assert.Equal(t, 1, dc.StagesDone)
	})
}

func TestCommitDoneMergesFetchedMetadata(t *testing.T) {
	s, _ := newTestStore(t, testPolicy)
	ctx := context.Background()
	seed(t, s, "foo", "1.0.0")

	meta := crates.Metadata{
		Name:      "foo",
		Version:   "1.0.0",
		Checksum:  "0000000000000000000000000000000000000000000000000000000000000000",
		Published: crates.Published{Authors: []string{"Octo Cat"}, Size: 2048, License: "MIT", PublishedBy: "octo"},
	}
	merged, err := json.Marshal(meta)
	require.NoError(t, err)

	lease, err := s.TryClaim(ctx, "foo", "1.0.0", task.FetchMetadata, testTTL)
	require.NoError(t, err)
	ok, err := s.CommitDone(ctx, lease, task.Output{Data: []byte(`{"crate_size":2048}`), Metadata: merged})
	require.NoError(t, err)
	require.True(t, ok)

	v, err := s.GetVersion(ctx, "foo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"Octo Cat"}, v.Metadata.Authors)
	assert.Equal(t, int64(2048), v.Metadata.Size)
	assert.Equal(t, "MIT", v.Metadata.License)

	t.Run("index re-upsert keeps fetched fields", func(t *testing.T) {
		_, err := s.UpsertMetadata(ctx, "foo", "1.0.0", crates.Metadata{Yanked: true})
		require.NoError(t, err)

		v, err := s.GetVersion(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.True(t, v.Metadata.Yanked)
		assert.Equal(t, int64(2048), v.Metadata.Size)
		assert.Equal(t, "octo", v.Metadata.PublishedBy)
	})

	t.Run("stale lease does not touch metadata", func(t *testing.T) {
		ok, err := s.CommitDone(ctx, lease, task.Output{Data: []byte("late"), Metadata: []byte(`{"name":"foo","vers":"1.0.0"}`)})
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.GetVersion(ctx, "foo", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, int64(2048), v.Metadata.Size)
	})
}

func TestGetVersionNotFound(t *testing.T) {
	s, _ := newTestStore(t, testPolicy)

	v, err := s.GetVersion(context.Background(), "nope", "0.1.0")
	assert.Nil(t, v)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
	assert.False(t, errors.IsStorage(err))
}

func TestKV(t *testing.T) {
	s, _ := newTestStore(t, testPolicy)
	ctx := context.Background()

	_, ok, err := s.GetState(ctx, KeyIndexLastSeen)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetState(ctx, KeyIndexLastSeen, "abc123"))
	require.NoError(t, s.SetState(ctx, KeyIndexLastSeen, "def456"))

	value, ok, err := s.GetState(ctx, KeyIndexLastSeen)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "def456", value)
}
