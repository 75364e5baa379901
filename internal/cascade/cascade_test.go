package cascade_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitlab/internal/cascade"
	"splitlab/internal/content"
	"splitlab/internal/db"
	"splitlab/internal/db/dbtest"
)

type fixture struct {
	store *db.Store
	tree  *content.Tree
	exp   *db.Experiment
}

// 1
// ├── 10 (control)
// │   ├── 11
// │   │   └── 12
// │   └── 13
// ├── 20 (variant)
// └── 30
func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := content.NewTree()
	require.NoError(t, tree.Load([]content.Node{
		{ID: 1},
		{ID: 10, ParentID: 1},
		{ID: 11, ParentID: 10},
		{ID: 12, ParentID: 11},
		{ID: 13, ParentID: 10},
		{ID: 20, ParentID: 1},
		{ID: 30, ParentID: 1},
	}))
	s := dbtest.Open(t)
	return &fixture{store: s, tree: tree, exp: addExperiment(t, s, "outer", 10, 20)}
}

func addExperiment(t *testing.T, s *db.Store, handle string, control, variant int64) *db.Experiment {
	t.Helper()
	e := &db.Experiment{
		Name:          handle,
		Handle:        handle,
		Status:        db.StatusRunning,
		ControlNodeID: control,
		VariantNodeID: variant,
		TrafficSplit:  50,
	}
	require.NoError(t, s.CreateExperiment(context.Background(), e))
	return e
}

type row struct {
	Node, Control, Variant int64
	Depth                  int
}

func mappings(t *testing.T, s *db.Store, experimentID uint) []row {
	t.Helper()
	ms, err := s.CascadeMappings(context.Background(), experimentID)
	require.NoError(t, err)
	out := make([]row, len(ms))
	for i, m := range ms {
		out[i] = row{m.DescendantNodeID, m.ControlNodeID, m.VariantNodeID, m.Depth}
	}
	return out
}

func TestRebuild_IdempotentWithDepthFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := cascade.New(f.tree, f.store)

	out, err := r.Rebuild(ctx, f.exp)
	require.NoError(t, err)
	assert.Equal(t, cascade.Outcome{Written: 3}, out)
	first := mappings(t, f.store, f.exp.ID)

	_, err = r.Rebuild(ctx, f.exp)
	require.NoError(t, err)
	assert.Equal(t, first, mappings(t, f.store, f.exp.ID))

	assert.Equal(t, []row{
		{11, 10, 20, 1},
		{12, 10, 20, 2},
		{13, 10, 20, 1},
	}, first)
	for _, m := range first {
		assert.GreaterOrEqual(t, m.Depth, 1)
	}
}

func TestRebuild_MissingControlNode(t *testing.T) {
	f := newFixture(t)
	r := cascade.New(f.tree, f.store)
	f.exp.ControlNodeID = 999
	_, err := r.Rebuild(context.Background(), f.exp)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := cascade.New(f.tree, f.store)
	_, err := r.Rebuild(ctx, f.exp)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, 12)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, f.exp.ID, res.Experiment.ID)
	assert.Equal(t, 2, res.Mapping.Depth)

	res, err = r.Resolve(ctx, 30)
	require.NoError(t, err)
	assert.Nil(t, res)

	t.Run("nearest enclosing experiment wins", func(t *testing.T) {
		inner := addExperiment(t, f.store, "inner", 11, 30)
		_, err := r.Rebuild(ctx, inner)
		require.NoError(t, err)

		res, err := r.Resolve(ctx, 12)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, inner.ID, res.Experiment.ID)
		assert.Equal(t, 1, res.Mapping.Depth)
	})

	t.Run("mappings of paused experiments are inert", func(t *testing.T) {
		f.exp.Status = db.StatusPaused
		require.NoError(t, f.store.SaveExperiment(ctx, f.exp))

		res, err := r.Resolve(ctx, 13)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Len(t, mappings(t, f.store, f.exp.ID), 3, "not purged")
	})
}

func TestEffectiveNavigation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := cascade.New(f.tree, f.store)
	_, err := r.Rebuild(ctx, f.exp)
	require.NoError(t, err)

	n11, err := f.tree.Node(ctx, 11)
	require.NoError(t, err)
	res, err := r.Resolve(ctx, 11)
	require.NoError(t, err)

	assert.Equal(t, int64(20), r.EffectiveParent(*n11, res, db.ArmVariant))
	assert.Equal(t, int64(10), r.EffectiveParent(*n11, res, db.ArmControl))
	assert.Equal(t, int64(10), r.EffectiveParent(*n11, nil, db.ArmVariant))

	n12, err := f.tree.Node(ctx, 12)
	require.NoError(t, err)
	res, err = r.Resolve(ctx, 12)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Mapping.Depth)
	assert.Equal(t, int64(20), r.EffectiveParent(*n12, res, db.ArmVariant), "deeper descendants use the variant root too")
	assert.Equal(t, int64(11), r.EffectiveParent(*n12, res, db.ArmControl))

	kids, err := r.EffectiveChildren(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 13}, nodeIDs(kids))

	kids, err = r.EffectiveChildren(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, nodeIDs(kids))
}

func nodeIDs(nodes []content.Node) []int64 {
	out := make([]int64, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestStructuralChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := cascade.New(f.tree, f.store)
	f.tree.Subscribe(r)
	_, err := r.Rebuild(ctx, f.exp)
	require.NoError(t, err)

	require.NoError(t, f.tree.Insert(ctx, 14, 13, 0))
	assert.Contains(t, mappings(t, f.store, f.exp.ID), row{14, 10, 20, 2})

	affected, err := r.AffectedExperiments(ctx, 30)
	require.NoError(t, err)
	assert.Empty(t, affected)

	require.NoError(t, f.tree.Move(ctx, 12, 1))
	assert.Equal(t, []row{
		{11, 10, 20, 1},
		{13, 10, 20, 1},
		{14, 10, 20, 2},
	}, mappings(t, f.store, f.exp.ID))

	require.NoError(t, f.tree.Move(ctx, 30, 11))
	assert.Contains(t, mappings(t, f.store, f.exp.ID), row{30, 10, 20, 2})

	require.NoError(t, f.tree.Delete(ctx, 13))
	assert.Equal(t, []row{
		{11, 10, 20, 1},
		{30, 10, 20, 2},
	}, mappings(t, f.store, f.exp.ID))

	require.NoError(t, f.tree.Delete(ctx, 20))
	assert.Empty(t, mappings(t, f.store, f.exp.ID), "variant analogue deleted")
}

func TestRebuild_Deferred(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	r := cascade.New(f.tree, f.store, cascade.WithAsyncThreshold(2))

	out, err := r.Rebuild(ctx, f.exp)
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.Equal(t, 1, r.Pending())

	_, err = r.Rebuild(ctx, f.exp)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending(), "queued rebuilds are deduplicated")

	r.Start(ctx)
	require.Eventually(t, func() bool {
		return len(mappings(t, f.store, f.exp.ID)) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRebuild_DeferredForDeletedExperiment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	r := cascade.New(f.tree, f.store, cascade.WithAsyncThreshold(1))

	out, err := r.Rebuild(ctx, f.exp)
	require.NoError(t, err)
	require.True(t, out.Deferred)

	gone := addExperiment(t, f.store, "gone-nodes", 10, 20)
	_, err = r.Rebuild(ctx, gone)
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteExperiment(ctx, f.exp.ID))
	require.NoError(t, f.tree.Delete(ctx, 20))

	r.Start(ctx)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	// Let the worker finish the drained jobs; both are no-ops.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mappings(t, f.store, f.exp.ID))
	assert.Empty(t, mappings(t, f.store, gone.ID))
}

func TestRebuildRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	addExperiment(t, f.store, "gone-control", 30, 20)
	r := cascade.New(f.tree, f.store)

	require.NoError(t, f.tree.Load([]content.Node{
		{ID: 1},
		{ID: 10, ParentID: 1},
		{ID: 11, ParentID: 10},
		{ID: 20, ParentID: 1},
	}))

	queued, err := r.RebuildRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	r.Start(ctx)
	require.Eventually(t, func() bool {
		return len(mappings(t, f.store, f.exp.ID)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []row{{11, 10, 20, 1}}, mappings(t, f.store, f.exp.ID))
}
