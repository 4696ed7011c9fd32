package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/cratemine/crates"
	cmtest "github.com/teranos/cratemine/internal/testing"
	"github.com/teranos/cratemine/pulse/task"
)

const testTTL = 30 * time.Second

var testPolicy = task.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, policy task.RetryPolicy) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	s := NewStore(cmtest.CreateTestDB(t), policy)
	s.SetClock(clock.Now)
	return s, clock
}

func seed(t *testing.T, s *Store, crate, version string) UpsertResult {
	t.Helper()
	res, err := s.UpsertMetadata(context.Background(), crate, version, crates.Metadata{
		Checksum: "0000000000000000000000000000000000000000000000000000000000000000",
	})
	require.NoError(t, err)
	return res
}

// complete claims and commits stage with data, failing the test on any denial.
func complete(t *testing.T, s *Store, crate, version string, stage task.StageKind, data string) task.Lease {
	t.Helper()
	ctx := context.Background()
	lease, err := s.TryClaim(ctx, crate, version, stage, testTTL)
	require.NoError(t, err)
	ok, err := s.CommitDone(ctx, lease, task.Output{Data: []byte(data), MediaType: "text/plain"})
	require.NoError(t, err)
	require.True(t, ok)
	return lease
}

func collectEligible(t *testing.T, s *Store, stage task.StageKind) []string {
	t.Helper()
	var out []string
	for e, err := range s.IterEligible(context.Background(), stage) {
		require.NoError(t, err)
		out = append(out, crates.Key(e.Crate, e.Version))
	}
	return out
}

func stageOf(t *testing.T, s *Store, crate, version string, stage task.StageKind) task.StageRecord {
	t.Helper()
	v, err := s.GetVersion(context.Background(), crate, version)
	require.NoError(t, err)
	return v.Stage(stage)
}
