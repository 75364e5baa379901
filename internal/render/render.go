// Package render decides what a visitor sees for a requested node: which arm
// of which experiment applies, which node's content to render, and how the
// page links into the hierarchy.
package render

import (
	"context"

	"github.com/sirupsen/logrus"

	"splitlab/internal/apperr"
	"splitlab/internal/assignment"
	"splitlab/internal/cascade"
	"splitlab/internal/content"
	"splitlab/internal/db"
	"splitlab/internal/experiments"
)

// DefaultEndpoint is the conversion endpoint advertised in tracking payloads.
const DefaultEndpoint = "/v1/track/convert"

// Experiments finds the experiment testing a node directly.
type Experiments interface {
	RunningExperimentByControlNode(ctx context.Context, nodeID int64) (*db.Experiment, error)
}

// Goals returns the enabled goals of an experiment.
type Goals interface {
	GoalsConfig(ctx context.Context, experimentID uint) (map[db.GoalType]experiments.GoalConfig, error)
}

// Assigner buckets visitors.
type Assigner interface {
	Assign(ctx context.Context, exp *db.Experiment, visitorID string, jar assignment.TokenJar) assignment.Result
}

// Impressions counts rendered arms.
type Impressions interface {
	RecordImpression(ctx context.Context, exp *db.Experiment, arm db.Arm) error
}

// Payload is what the page needs to report conversions.
type Payload struct {
	TestHandle string                                 `json:"testHandle"`
	Variant    db.Arm                                 `json:"variant"`
	Goals      map[db.GoalType]experiments.GoalConfig `json:"goals"`
	Endpoint   string                                 `json:"endpoint"`
	Token      string                                 `json:"token,omitempty"`
}

// Decision is the outcome of Decide.
type Decision struct {
	NodeID       int64          `json:"nodeId"`
	RenderNodeID int64          `json:"renderNodeId"`
	ParentID     int64          `json:"parentId"`
	Children     []content.Node `json:"children"`
	Experiment   string         `json:"experiment,omitempty"`
	Arm          db.Arm         `json:"arm,omitempty"`
	Cascaded     bool           `json:"cascaded"`
	Tracking     *Payload       `json:"tracking,omitempty"`
}

// Decider produces render decisions.
type Decider struct {
	repo        content.Repository
	experiments Experiments
	resolver    *cascade.Resolver
	assigner    Assigner
	impressions Impressions
	goals       Goals

	endpoint string
	secret   string
	log      logrus.FieldLogger
}

// Option configures a Decider.
type Option func(*Decider)

// WithEndpoint sets the conversion endpoint advertised to pages.
func WithEndpoint(endpoint string) Option {
	return func(d *Decider) {
		if endpoint != "" {
			d.endpoint = endpoint
		}
	}
}

// WithTokenSecret enables tracking tokens signed with secret.
func WithTokenSecret(secret string) Option {
	return func(d *Decider) { d.secret = secret }
}

// WithLogger sets the decider logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Decider) { d.log = log }
}

// New returns a Decider.
func New(repo content.Repository, exps Experiments, resolver *cascade.Resolver, assigner Assigner, impressions Impressions, goals Goals, opts ...Option) *Decider {
	d := &Decider{
		repo:        repo,
		experiments: exps,
		resolver:    resolver,
		assigner:    assigner,
		impressions: impressions,
		goals:       goals,
		endpoint:    DefaultEndpoint,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide returns what visitorID sees at nodeID.
//
// A running experiment on the node itself wins over a cascaded one. Variant
// visitors of a direct match get the variant node rendered with the control
// node's children; variant visitors of a cascaded match see the node under
// its effective parent.
func (d *Decider) Decide(ctx context.Context, nodeID int64, visitorID string, jar assignment.TokenJar) (*Decision, error) {
	node, err := d.repo.Node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	dec := &Decision{NodeID: nodeID, RenderNodeID: nodeID, ParentID: node.ParentID}

	exp, err := d.experiments.RunningExperimentByControlNode(ctx, nodeID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if exp != nil {
		res := d.assigner.Assign(ctx, exp, visitorID, jar)
		dec.Experiment, dec.Arm = exp.Handle, res.Arm
		if res.Arm == db.ArmVariant {
			dec.RenderNodeID = exp.VariantNodeID
		}
		if dec.Children, err = d.repo.ChildrenOf(ctx, exp.ControlNodeID); err != nil {
			return nil, err
		}
		d.finish(ctx, dec, exp, visitorID)
		return dec, nil
	}

	resolution, err := d.resolver.Resolve(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if dec.Children, err = d.resolver.EffectiveChildren(ctx, nodeID); err != nil {
		return nil, err
	}
	if resolution == nil {
		return dec, nil
	}

	exp = resolution.Experiment
	res := d.assigner.Assign(ctx, exp, visitorID, jar)
	dec.Experiment, dec.Arm, dec.Cascaded = exp.Handle, res.Arm, true
	dec.ParentID = d.resolver.EffectiveParent(*node, resolution, res.Arm)
	d.finish(ctx, dec, exp, visitorID)
	return dec, nil
}

// finish records the impression and attaches the tracking payload. Neither
// step fails the render.
func (d *Decider) finish(ctx context.Context, dec *Decision, exp *db.Experiment, visitorID string) {
	log := d.log.WithFields(logrus.Fields{"experiment": exp.Handle, "node": dec.NodeID})

	if err := d.impressions.RecordImpression(ctx, exp, dec.Arm); err != nil {
		log.WithError(err).Warn("impression not recorded")
	}

	goals, err := d.goals.GoalsConfig(ctx, exp.ID)
	if err != nil {
		log.WithError(err).Warn("goals unavailable for tracking payload")
		goals = map[db.GoalType]experiments.GoalConfig{}
	}
	dec.Tracking = &Payload{
		TestHandle: exp.Handle,
		Variant:    dec.Arm,
		Goals:      goals,
		Endpoint:   d.endpoint,
		Token:      Sign(d.secret, visitorID, exp.Handle),
	}
}
