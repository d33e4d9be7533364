package insights

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
)

func testStores(t *testing.T) map[string]DismissalStore {
	t.Helper()
	bs, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return map[string]DismissalStore{
		"memory": NewMemoryStore(),
		"badger": bs,
	}
}

func TestDismissalStoreRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get("p1|prediction|risk:high")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put("p1|prediction|risk:high", now0))
			at, ok, err := s.Get("p1|prediction|risk:high")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, at.Equal(now0))

			require.NoError(t, s.Delete("p1|prediction|risk:high"))
			_, ok, err = s.Get("p1|prediction|risk:high")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBadgerStoreLen(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("a", now0))
	require.NoError(t, s.Put("b", now0))
	require.NoError(t, s.Put("a", now0.Add(time.Minute)))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadgerStore(dir)
	require.NoError(t, err)

	g := New(DefaultPolicy(), s)
	in := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))
	_, err = g.Dismiss(in.ID, now0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()

	g = New(DefaultPolicy(), s)
	out := g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(time.Hour))
	assert.Empty(t, byType(out, types.InsightPrediction))
}

func TestBadgerStoreKeepsDismissalWhenCooldownGrows(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()

	p := DefaultPolicy()
	p.DismissCooldown = time.Second
	g := New(p, s)
	in := prediction(t, g.Generate(highRisk("p1"), compute.Overview{}, now0))
	_, err = g.Dismiss(in.ID, now0)
	require.NoError(t, err)

	// Expiry belongs to the generator, so badger must not drop the entry.
	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get([]byte(dismissalPrefix + in.Key()))
		if err != nil {
			return err
		}
		assert.Zero(t, it.ExpiresAt())
		return nil
	}))

	p.DismissCooldown = time.Hour
	g.SetPolicy(p)
	out := g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(30*time.Minute))
	assert.Empty(t, byType(out, types.InsightPrediction))

	out = g.Generate(highRisk("p1"), compute.Overview{}, now0.Add(2*time.Hour))
	assert.Len(t, byType(out, types.InsightPrediction), 1)
	n, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
