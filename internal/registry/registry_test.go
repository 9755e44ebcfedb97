package registry_test

import (
	"os"
	"sync"
	"testing"

	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/registry"
	"github.com/stretchr/testify/require"
)

type fakeProcess int

func (p fakeProcess) PID() int                 { return int(p) }
func (p fakeProcess) Signal(_ os.Signal) error { return nil }

func key(t *testing.T, s string) model.JobKey {
	t.Helper()
	k, err := model.ParseJobKey(s)
	require.NoError(t, err)
	return k
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	paris := key(t, "v1-d1-paris")
	tokyo := key(t, "v2-d1-tokyo")

	t.Run("empty", func(t *testing.T) {
		_, ok := reg.Get(paris)
		require.False(t, ok)
		require.False(t, reg.IsActive(paris))
		require.Zero(t, reg.Len())
	})

	t.Run("put", func(t *testing.T) {
		_, replaced := reg.Put(registry.Record{Key: tokyo, RunID: "a", Process: fakeProcess(2), State: model.StateRunning})
		require.False(t, replaced)
		_, replaced = reg.Put(registry.Record{Key: paris, RunID: "b", Process: fakeProcess(1), State: model.StateRunning})
		require.False(t, replaced)
		require.Equal(t, []model.JobKey{paris, tokyo}, reg.Keys())
		require.Equal(t, 2, reg.Len())
	})

	t.Run("single record per key", func(t *testing.T) {
		prev, replaced := reg.Put(registry.Record{Key: paris, RunID: "c", Process: fakeProcess(3), State: model.StateRunning})
		require.True(t, replaced)
		require.Equal(t, "b", prev.RunID)
		require.Equal(t, 2, reg.Len())
		rec, ok := reg.Get(paris)
		require.True(t, ok)
		require.Equal(t, 3, rec.PID())
	})

	t.Run("set state", func(t *testing.T) {
		require.True(t, reg.SetState(paris, model.StatePaused))
		rec, _ := reg.Get(paris)
		require.Equal(t, model.StatePaused, rec.State)
		require.False(t, reg.SetState(key(t, "v9-d9-nowhere"), model.StatePaused))
	})

	t.Run("remove run", func(t *testing.T) {
		_, ok := reg.RemoveRun(paris, "b")
		require.False(t, ok, "superseded run must not remove the current record")
		require.True(t, reg.IsActive(paris))
		rec, ok := reg.RemoveRun(paris, "c")
		require.True(t, ok)
		require.Equal(t, paris, rec.Key)
		require.False(t, reg.IsActive(paris))
	})

	t.Run("remove", func(t *testing.T) {
		_, ok := reg.Remove(tokyo)
		require.True(t, ok)
		_, ok = reg.Remove(tokyo)
		require.False(t, ok)
		require.Empty(t, reg.All())
	})
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	k := key(t, "v1-d1-paris")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for range 100 {
				reg.Put(registry.Record{Key: k, Process: fakeProcess(i)})
				_ = reg.All()
				_ = reg.IsActive(k)
			}
		})
	}
	wg.Wait()
	require.Equal(t, 1, reg.Len())
}
