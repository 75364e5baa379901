// Package cascade keeps the derived index that lets descendants of an
// experiment's control node render as if they lived under the variant node,
// and answers the parent/child navigation questions for those descendants.
//
// The index is rebuilt in full for an experiment whenever its membership may
// have changed. Large subtrees are rebuilt by a background worker.
package cascade

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"splitlab/internal/apperr"
	"splitlab/internal/content"
	"splitlab/internal/db"
	"splitlab/internal/metrics"
)

// DefaultAsyncThreshold is the descendant count above which rebuilds are deferred.
const DefaultAsyncThreshold = 50

// Store is the persistence the resolver needs.
type Store interface {
	ExperimentByID(ctx context.Context, id uint) (*db.Experiment, error)
	RunningExperiments(ctx context.Context) ([]db.Experiment, error)
	RunningExperimentByVariantNode(ctx context.Context, nodeID int64) (*db.Experiment, error)
	ReplaceCascadeMappings(ctx context.Context, experimentID uint, rows []db.CascadeMapping) (int, error)
	NearestRunningMapping(ctx context.Context, nodeID int64) (*db.CascadeMapping, error)
	MappedExperimentIDs(ctx context.Context, nodeID int64) ([]uint, error)
	DeleteMappingsForNode(ctx context.Context, nodeID int64) (int64, error)
}

// Outcome reports what Rebuild did.
type Outcome struct {
	Deferred bool `json:"deferred"`
	Written  int  `json:"written"`
}

// Resolution is the nearest running experiment a node cascades from.
type Resolution struct {
	Mapping    db.CascadeMapping
	Experiment *db.Experiment
}

// Resolver maintains cascade mappings and resolves cascaded navigation.
type Resolver struct {
	repo      content.Repository
	store     Store
	threshold int
	log       logrus.FieldLogger

	locks sync.Map // experiment id -> *sync.Mutex

	mu      sync.Mutex
	pending map[uint]struct{}
	wake    chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAsyncThreshold sets the descendant count above which rebuilds are deferred.
func WithAsyncThreshold(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) { r.log = log }
}

// New returns a Resolver. Call Start to run the background rebuild worker.
func New(repo content.Repository, store Store, opts ...Option) *Resolver {
	r := &Resolver{
		repo:      repo,
		store:     store,
		threshold: DefaultAsyncThreshold,
		log:       logrus.StandardLogger(),
		pending:   make(map[uint]struct{}),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rebuild recomputes the mapping set of exp. Subtrees larger than the async
// threshold are queued for the background worker and reported as Deferred.
func (r *Resolver) Rebuild(ctx context.Context, exp *db.Experiment) (Outcome, error) {
	desc, err := r.repo.DescendantsOf(ctx, exp.ControlNodeID)
	if err != nil {
		metrics.CascadeRebuilds.WithLabelValues("inline", "error").Inc()
		return Outcome{}, err
	}
	if len(desc) > r.threshold {
		r.enqueue(exp.ID)
		metrics.CascadeRebuilds.WithLabelValues("deferred", "queued").Inc()
		return Outcome{Deferred: true}, nil
	}

	written, err := r.rebuild(ctx, exp)
	if err != nil {
		metrics.CascadeRebuilds.WithLabelValues("inline", "error").Inc()
		return Outcome{}, err
	}
	metrics.CascadeRebuilds.WithLabelValues("inline", "ok").Inc()
	return Outcome{Written: written}, nil
}

func (r *Resolver) lock(experimentID uint) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(experimentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// rebuild replaces the mapping set of exp with the current descendants of its
// control node. Rebuilds of one experiment never interleave.
func (r *Resolver) rebuild(ctx context.Context, exp *db.Experiment) (int, error) {
	mu := r.lock(exp.ID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := r.repo.Node(ctx, exp.VariantNodeID); err != nil {
		return 0, err
	}
	controlLevel, err := r.repo.LevelOf(ctx, exp.ControlNodeID)
	if err != nil {
		return 0, err
	}
	desc, err := r.repo.DescendantsOf(ctx, exp.ControlNodeID)
	if err != nil {
		return 0, err
	}

	rows := make([]db.CascadeMapping, 0, len(desc))
	for _, d := range desc {
		rows = append(rows, db.CascadeMapping{
			DescendantNodeID: d.ID,
			ControlNodeID:    exp.ControlNodeID,
			VariantNodeID:    exp.VariantNodeID,
			Depth:            max(1, d.Level-controlLevel),
		})
	}

	written, err := r.store.ReplaceCascadeMappings(ctx, exp.ID, rows)
	if err != nil {
		return 0, apperr.Persistence.Wrap(err)
	}
	r.log.WithFields(logrus.Fields{
		"experiment": exp.Handle,
		"rows":       written,
	}).Debug("cascade rebuilt")
	return written, nil
}

// Resolve returns the nearest running experiment nodeID cascades from, or nil
// when the node is not a mapped descendant of any running experiment.
func (r *Resolver) Resolve(ctx context.Context, nodeID int64) (*Resolution, error) {
	m, err := r.store.NearestRunningMapping(ctx, nodeID)
	if err != nil || m == nil {
		return nil, err
	}
	exp, err := r.store.ExperimentByID(ctx, m.ExperimentID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return &Resolution{Mapping: *m, Experiment: exp}, nil
}

// EffectiveParent returns the parent navigation should use for node. Cascaded
// nodes seen in the variant arm hang off the variant root at any depth; the
// control arm and uncascaded nodes keep their true parent.
func (r *Resolver) EffectiveParent(node content.Node, res *Resolution, arm db.Arm) int64 {
	if res == nil || arm != db.ArmVariant {
		return node.ParentID
	}
	return res.Mapping.VariantNodeID
}

// EffectiveChildren returns the children navigation should use for nodeID.
// The variant root of a running experiment borrows the control node's children.
func (r *Resolver) EffectiveChildren(ctx context.Context, nodeID int64) ([]content.Node, error) {
	exp, err := r.store.RunningExperimentByVariantNode(ctx, nodeID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if exp != nil {
		return r.repo.ChildrenOf(ctx, exp.ControlNodeID)
	}
	return r.repo.ChildrenOf(ctx, nodeID)
}

// OnInserted implements content.Observer.
func (r *Resolver) OnInserted(ctx context.Context, nodeID int64) {
	r.structureChanged(ctx, nodeID, "inserted")
}

// OnMoved implements content.Observer.
func (r *Resolver) OnMoved(ctx context.Context, nodeID int64) {
	r.structureChanged(ctx, nodeID, "moved")
}

// OnDeleted implements content.Observer. Mappings referencing the node as
// descendant, control or variant analogue are removed.
func (r *Resolver) OnDeleted(ctx context.Context, nodeID int64) {
	n, err := r.store.DeleteMappingsForNode(ctx, nodeID)
	if err != nil {
		r.log.WithField("node", nodeID).WithError(err).Warn("failed to drop cascade mappings of deleted node")
		return
	}
	if n > 0 {
		r.log.WithFields(logrus.Fields{"node": nodeID, "rows": n}).Debug("dropped cascade mappings of deleted node")
	}
}

// structureChanged rebuilds every experiment that mapped nodeID plus every
// running experiment whose descendant membership for nodeID flipped.
func (r *Resolver) structureChanged(ctx context.Context, nodeID int64, change string) {
	log := r.log.WithFields(logrus.Fields{"node": nodeID, "change": change})

	affected, err := r.AffectedExperiments(ctx, nodeID)
	if err != nil {
		log.WithError(err).Warn("failed to compute experiments affected by structural change")
		return
	}
	for _, id := range affected {
		exp, err := r.store.ExperimentByID(ctx, id)
		if err != nil {
			log.WithField("experiment", id).WithError(err).Warn("skipping cascade rebuild")
			continue
		}
		if _, err := r.Rebuild(ctx, exp); err != nil {
			log.WithField("experiment", exp.Handle).WithError(err).Warn("cascade rebuild failed")
		}
	}
}

// AffectedExperiments lists, in id order, the experiments whose mapping set
// may have changed because nodeID was inserted or moved.
func (r *Resolver) AffectedExperiments(ctx context.Context, nodeID int64) ([]uint, error) {
	mapped, err := r.store.MappedExperimentIDs(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	set := make(map[uint]struct{}, len(mapped))
	for _, id := range mapped {
		set[id] = struct{}{}
	}

	running, err := r.store.RunningExperiments(ctx)
	if err != nil {
		return nil, err
	}
	wasMapped := make(map[uint]bool, len(mapped))
	for _, id := range mapped {
		wasMapped[id] = true
	}
	for _, exp := range running {
		isDesc, err := r.repo.IsDescendantOf(ctx, exp.ControlNodeID, nodeID)
		if err != nil {
			return nil, err
		}
		if isDesc != wasMapped[exp.ID] {
			set[exp.ID] = struct{}{}
		}
	}

	out := make([]uint, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RebuildRunning queues a rebuild of every running experiment. It is used
// after the content tree was replaced wholesale.
func (r *Resolver) RebuildRunning(ctx context.Context) (int, error) {
	running, err := r.store.RunningExperiments(ctx)
	if err != nil {
		return 0, apperr.Persistence.Wrap(err)
	}
	for _, exp := range running {
		r.enqueue(exp.ID)
	}
	return len(running), nil
}

func (r *Resolver) enqueue(experimentID uint) {
	r.mu.Lock()
	r.pending[experimentID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued rebuilds.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Resolver) drain() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	clear(r.pending)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start runs the background rebuild worker until ctx is done. Queued
// experiments are deduplicated; an experiment queued again while its rebuild
// runs is rebuilt once more afterwards.
func (r *Resolver) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				for _, id := range r.drain() {
					r.runJob(ctx, id)
				}
			}
		}
	}()
}

// runJob rebuilds one queued experiment. A deleted experiment or a vanished
// control/variant node turns the job into a logged no-op.
func (r *Resolver) runJob(ctx context.Context, experimentID uint) {
	log := r.log.WithField("experiment", experimentID)

	exp, err := r.store.ExperimentByID(ctx, experimentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("queued cascade rebuild for deleted experiment, skipping")
		metrics.CascadeRebuilds.WithLabelValues("background", "skipped").Inc()
		return
	}
	if err != nil {
		log.WithError(err).Warn("queued cascade rebuild failed to load experiment")
		metrics.CascadeRebuilds.WithLabelValues("background", "error").Inc()
		return
	}

	written, err := r.rebuild(ctx, exp)
	switch {
	case apperr.NotFound.Has(err):
		log.WithError(err).Warn("queued cascade rebuild lost its control or variant node, skipping")
		metrics.CascadeRebuilds.WithLabelValues("background", "skipped").Inc()
	case err != nil:
		log.WithError(err).Warn("queued cascade rebuild failed")
		metrics.CascadeRebuilds.WithLabelValues("background", "error").Inc()
	default:
		log.WithField("rows", written).Info("queued cascade rebuild done")
		metrics.CascadeRebuilds.WithLabelValues("background", "ok").Inc()
	}
}
