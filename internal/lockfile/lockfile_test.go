package lockfile

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedPolicy(now time.Time, alive bool) Policy {
	return Policy{
		StaleAge: DefaultStaleAge,
		Now:      func() time.Time { return now },
		Alive:    func(pid int) bool { return alive },
	}
}

func plantLock(t *testing.T, root string, owner Owner) {
	t.Helper()
	path := Path(root)
	require.NoError(t, os.MkdirAll(root+"/.ralph", 0755))
	data, err := json.Marshal(owner)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestAcquireRelease(t *testing.T) {
	root := t.TempDir()
	lock, err := Acquire(root, DefaultPolicy())
	require.NoError(t, err)

	_, err = os.Stat(Path(root))
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(Path(root))
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, lock.Release())
}

func TestAcquire_MutualExclusion(t *testing.T) {
	root := t.TempDir()
	lock, err := Acquire(root, DefaultPolicy())
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(root, DefaultPolicy())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "pid")
}

func TestAcquire_LiveOwnerNeverReclaimed(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	plantLock(t, root, Owner{PID: 4242, Created: now.Add(-2 * time.Hour)})

	_, err := Acquire(root, fixedPolicy(now, true))
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquire_YoungDeadOwnerNotReclaimed(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	plantLock(t, root, Owner{PID: 4242, Created: now.Add(-5 * time.Minute)})

	_, err := Acquire(root, fixedPolicy(now, false))
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquire_StaleLockReclaimed(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	plantLock(t, root, Owner{PID: 4242, Created: now.Add(-time.Hour)})

	lock, err := Acquire(root, fixedPolicy(now, false))
	require.NoError(t, err)
	defer lock.Release()

	// The reclaimed lock belongs to us now.
	data, err := os.ReadFile(Path(root))
	require.NoError(t, err)
	var o Owner
	require.NoError(t, json.Unmarshal(data, &o))
	assert.Equal(t, os.Getpid(), o.PID)
}

func TestAcquire_UnreadableLockNotReclaimed(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root+"/.ralph", 0755))
	require.NoError(t, os.WriteFile(Path(root), []byte("not json"), 0644))

	_, err := Acquire(root, fixedPolicy(time.Now(), false))
	assert.ErrorIs(t, err, ErrHeld)
}

func TestPolicy_IsStale(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name  string
		alive bool
		age   time.Duration
		want  bool
	}{
		{"live owner old lock", true, 2 * time.Hour, false},
		{"dead owner young lock", false, time.Minute, false},
		{"dead owner old lock", false, time.Hour, true},
		{"dead owner exactly at threshold", false, DefaultStaleAge, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := fixedPolicy(now, tc.alive)
			got := p.IsStale(Owner{PID: 1, Created: now.Add(-tc.age)})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsProcessAlive_Self(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
}
