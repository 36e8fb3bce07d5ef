package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fakeyudi/afkbridge/internal/clock"
	"github.com/fakeyudi/afkbridge/internal/logging"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *Store
	clock *clock.FakeClock
	root  *mailbox.Root
	alive map[int]bool
	dir   string
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		clock: clock.Fake(epoch),
		root:  mailbox.NewRoot(filepath.Join(dir, "ipc")),
		alive: map[int]bool{4242: true},
		dir:   dir,
	}
	var mu sync.Mutex
	f.store = New(Options{
		StatePath:      filepath.Join(dir, "state.json"),
		LockPath:       filepath.Join(dir, ".state.lock"),
		Mailboxes:      f.root,
		Clock:          f.clock,
		Logger:         logging.Discard(),
		HeartbeatStale: 60 * time.Second,
		Alive: func(pid int) bool {
			mu.Lock()
			defer mu.Unlock()
			return f.alive[pid]
		},
	})
	require.NoError(t, f.store.Heartbeat(4242))
	return f
}

func TestSlotBoundNeverExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		maxSlots := rapid.IntRange(1, 5).Draw(rt, "maxSlots")
		ids := []string{"a", "b", "c", "d", "e", "f", "g"}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			if rapid.Bool().Draw(rt, "activate") {
				project := rapid.SampledFrom([]string{"p1", "p2", "p3", ""}).Draw(rt, "project")
				_, err := f.store.Claim(ClaimRequest{SessionID: id, Project: project, MaxSlots: maxSlots})
				if err != nil && !errors.Is(err, ErrNoFreeSlot) {
					rt.Fatalf("Claim: %v", err)
				}
			} else {
				_, err := f.store.Release(id)
				if err != nil && !errors.Is(err, ErrNotActive) {
					rt.Fatalf("Release: %v", err)
				}
			}

			st := f.store.Load()
			if len(st.Slots) > maxSlots {
				rt.Fatalf("%d slots occupied, max %d", len(st.Slots), maxSlots)
			}
			seen := map[string]bool{}
			for slot, sess := range st.Slots {
				if slot < 1 || slot > maxSlots {
					rt.Fatalf("slot %d out of range", slot)
				}
				if seen[sess.ID] {
					rt.Fatalf("session %s holds two slots", sess.ID)
				}
				seen[sess.ID] = true
			}
		}
	})
}

func TestClaimAssignsLowestFreeSlot(t *testing.T) {
	f := newFixture(t)

	c1, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)
	c2, err := f.store.Claim(ClaimRequest{SessionID: "b", Project: "web", MaxSlots: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, c1.Session.Slot)
	assert.Equal(t, 2, c2.Session.Slot)
	assert.True(t, c1.Mailbox.Initialized())

	_, err = f.store.Release("a")
	require.NoError(t, err)
	c3, err := f.store.Claim(ClaimRequest{SessionID: "c", Project: "cli", MaxSlots: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, c3.Session.Slot)
}

func TestClaimSameSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 2})
	require.NoError(t, err)

	again, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 2})
	require.NoError(t, err)
	assert.True(t, again.AlreadyActive)
	assert.Len(t, f.store.Load().Slots, 1)
}

func TestClaimFailsWhenFull(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		_, err := f.store.Claim(ClaimRequest{SessionID: fmt.Sprintf("s%d", i), Project: fmt.Sprintf("p%d", i), MaxSlots: 2})
		require.NoError(t, err)
	}
	_, err := f.store.Claim(ClaimRequest{SessionID: "late", Project: "other", MaxSlots: 2})
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestHealEvictsMissingMailboxBeforeClaim(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "gone", Project: "api", MaxSlots: 1})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(f.root.Open("gone").Dir()))

	c, err := f.store.Claim(ClaimRequest{SessionID: "fresh", Project: "web", MaxSlots: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Session.Slot)
	require.Len(t, c.Evicted, 1)
	assert.Equal(t, "gone", c.Evicted[0].Session.ID)
	assert.Equal(t, "mailbox missing", c.Evicted[0].Reason)
	assert.Len(t, f.store.Load().Slots, 1)
}

func TestHealEvictsKilledAndUninitialized(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "k", Project: "a", MaxSlots: 4})
	require.NoError(t, err)
	_, err = f.store.Claim(ClaimRequest{SessionID: "u", Project: "b", MaxSlots: 4})
	require.NoError(t, err)

	require.NoError(t, f.root.Open("k").Kill("operator ended it"))
	require.NoError(t, os.Remove(filepath.Join(f.root.Open("u").Dir(), "meta.json")))

	evicted, err := f.store.Heal()
	require.NoError(t, err)
	assert.Len(t, evicted, 2)
	assert.Empty(t, f.store.Load().Slots)

	// Both mailboxes are orphans now and were removed.
	ids, err := f.root.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHealDeadDaemonNeedsStaleHeartbeat(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)

	f.alive[4242] = false
	f.clock.Advance(30 * time.Second)
	evicted, err := f.store.Heal()
	require.NoError(t, err)
	assert.Empty(t, evicted, "fresh heartbeat keeps slots even if pid is gone")

	f.clock.Advance(31 * time.Second)
	evicted, err = f.store.Heal()
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "daemon not running", evicted[0].Reason)
}

func TestHealLiveDaemonWithOldHeartbeatKeepsSlots(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	evicted, err := f.store.Heal()
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestDuplicateProjectSupersedesOlder(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "old", Project: "api", TopicName: "auth", MaxSlots: 4})
	require.NoError(t, err)
	_, err = f.store.Claim(ClaimRequest{SessionID: "other", Project: "api", TopicName: "billing", MaxSlots: 4})
	require.NoError(t, err)

	c, err := f.store.Claim(ClaimRequest{SessionID: "new", Project: "api", TopicName: "auth", MaxSlots: 4})
	require.NoError(t, err)
	require.NotNil(t, c.Superseded)
	assert.Equal(t, "old", c.Superseded.ID)
	assert.Equal(t, 1, c.Session.Slot, "slot of the superseded session is reused")

	st := f.store.Load()
	_, ok := st.Find("old")
	assert.False(t, ok)
	_, ok = st.Find("other")
	assert.True(t, ok)
}

func TestOrphanMailboxesRemovedOnClaim(t *testing.T) {
	f := newFixture(t)
	_, err := f.root.Create(mailbox.Meta{SessionID: "orphan", Slot: 9})
	require.NoError(t, err)

	_, err = f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)

	assert.False(t, f.root.Open("orphan").Exists())
	assert.True(t, f.root.Open("a").Exists())
}

func TestCorruptStateTreatedAsEmpty(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "state.json"), []byte("{\"slots\": {oops"), 0o600))

	st := f.store.Load()
	assert.Empty(t, st.Slots)

	_, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)
	assert.Len(t, f.store.Load().Slots, 1)
}

func TestUpdateErrorLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.store.Update(func(st *State) error {
		delete(st.Slots, 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, f.store.Load().Slots, 1)
}

func TestConcurrentClaimsRespectLock(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.store.Claim(ClaimRequest{SessionID: fmt.Sprintf("s%d", i), Project: fmt.Sprintf("p%d", i), MaxSlots: 4})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok, full := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNoFreeSlot):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, 4, full)
	assert.Len(t, f.store.Load().Slots, 4)
}

func TestSetThreadAndHeartbeat(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Claim(ClaimRequest{SessionID: "a", Project: "api", MaxSlots: 4})
	require.NoError(t, err)

	require.NoError(t, f.store.SetThread("a", 77))
	sess, ok := f.store.Load().Find("a")
	require.True(t, ok)
	assert.Equal(t, int64(77), sess.ThreadID)
	assert.ErrorIs(t, f.store.SetThread("nope", 1), ErrNotActive)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.store.Heartbeat(4242))
	st := f.store.Load()
	assert.Equal(t, 4242, st.DaemonPID)
	assert.True(t, st.DaemonHeartbeat.Equal(epoch.Add(5*time.Second)), "heartbeat %v", st.DaemonHeartbeat)
	assert.True(t, f.store.DaemonRunning(st))

	require.NoError(t, f.store.ClearDaemon(1))
	assert.Equal(t, 4242, f.store.Load().DaemonPID)
	require.NoError(t, f.store.ClearDaemon(4242))
	assert.Zero(t, f.store.Load().DaemonPID)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
