package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"splitlab/internal/assignment"
	"splitlab/internal/cascade"
	"splitlab/internal/config"
	"splitlab/internal/content"
	dbpkg "splitlab/internal/db"
	"splitlab/internal/db/dbtest"
	"splitlab/internal/experiments"
	"splitlab/internal/ratelimit"
	"splitlab/internal/render"
	"splitlab/internal/results"
	"splitlab/internal/tracking"
)

type jar map[string]string

func (j jar) Get(name string) string                  { return j[name] }
func (j jar) Set(name, value string, _ time.Duration) { j[name] = value }

func newRequest(method, uri string, body []byte) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.SetBody(body)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, &net.TCPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 4000}, nil)
	return ctx
}

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &out), string(ctx.Response.Body()))
	return out
}

type trackFixture struct {
	store    *dbpkg.Store
	exp      *dbpkg.Experiment
	ledger   *tracking.Ledger
	visitor  string
	formGoal uint
}

func newTrackFixture(t *testing.T) *trackFixture {
	t.Helper()
	s := dbtest.Open(t)
	exp := &dbpkg.Experiment{Name: "Signup", Handle: "signup", Status: dbpkg.StatusRunning, ControlNodeID: 1, VariantNodeID: 2, TrafficSplit: 50}
	require.NoError(t, s.CreateExperiment(context.Background(), exp))
	goals := []dbpkg.Goal{
		{Type: dbpkg.GoalForm, Enabled: true},
		{Type: dbpkg.GoalEmail, Enabled: true, SortOrder: 1},
	}
	require.NoError(t, s.ReplaceGoals(context.Background(), exp.ID, goals))

	engine := assignment.New(s, time.Hour)
	visitor := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	res := engine.Assign(context.Background(), exp, visitor, jar{})
	require.True(t, res.Persisted)

	return &trackFixture{
		store:   s,
		exp:     exp,
		ledger:   tracking.New(s, engine, config.CountPerGoalType),
		visitor:  visitor,
		formGoal: goals[0].ID,
	}
}

func (f *trackFixture) post(h fasthttp.RequestHandler, form url.Values, visitor string) *fasthttp.RequestCtx {
	ctx := newRequest(fasthttp.MethodPost, "/v1/track/convert", []byte(form.Encode()))
	ctx.Request.Header.SetContentType("application/x-www-form-urlencoded")
	ctx.Request.Header.Set("CF-Connecting-IP", "203.0.113.7")
	if visitor != "" {
		ctx.Request.Header.SetCookie(assignment.VisitorToken, visitor)
	}
	h(ctx)
	return ctx
}

func (f *trackFixture) conversions(t *testing.T) int64 {
	t.Helper()
	totals, err := f.store.ArmTotals(context.Background(), f.exp.ID)
	require.NoError(t, err)
	return totals[dbpkg.ArmControl].Conversions + totals[dbpkg.ArmVariant].Conversions
}

func TestTrackConversion(t *testing.T) {
	f := newTrackFixture(t)
	h := TrackConversion(f.ledger, ratelimit.New(ratelimit.NewMemoryStore(), 10), "")

	cases := []struct {
		name    string
		form    url.Values
		visitor string
		want    string
	}{
		{"missing handle", url.Values{"conversionType": {"form"}}, f.visitor, "Invalid request"},
		{"unknown type", url.Values{"testHandle": {"signup"}, "conversionType": {"purchase"}}, f.visitor, "Invalid request"},
		{"bad goal id", url.Values{"testHandle": {"signup"}, "conversionType": {"form"}, "goalId": {"x1"}}, f.visitor, "Invalid request"},
		{"zero goal id", url.Values{"testHandle": {"signup"}, "conversionType": {"form"}, "goalId": {"0"}}, f.visitor, "Invalid request"},
		{"negative goal id", url.Values{"testHandle": {"signup"}, "conversionType": {"form"}, "goalId": {"-4"}}, f.visitor, "Invalid request"},
		{"unknown goal id", url.Values{"testHandle": {"signup"}, "conversionType": {"form"}, "goalId": {"999"}}, f.visitor, "Invalid request"},
		{"no enabled goal of type", url.Values{"testHandle": {"signup"}, "conversionType": {"phone"}}, f.visitor, "Invalid request"},
		{"no visitor", url.Values{"testHandle": {"signup"}, "conversionType": {"form"}}, "", "Missing visitor"},
		{"unknown experiment", url.Values{"testHandle": {"pricing"}, "conversionType": {"form"}}, f.visitor, "Not found"},
		{"unassigned visitor", url.Values{"testHandle": {"signup"}, "conversionType": {"form"}}, "stranger", "Not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := f.post(h, tc.form, tc.visitor)
			assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
			assert.Equal(t, map[string]any{"success": false, "error": tc.want}, decode(t, ctx))
		})
	}
	assert.Zero(t, f.conversions(t))

	ctx := f.post(h, url.Values{"testHandle": {"signup"}, "conversionType": {"form"}, "goalId": {strconv.Itoa(int(f.formGoal))}}, f.visitor)
	assert.Equal(t, map[string]any{"success": true}, decode(t, ctx))
	ctx = f.post(h, url.Values{"testHandle": {"signup"}, "conversionType": {"form"}}, f.visitor)
	assert.Equal(t, map[string]any{"success": true}, decode(t, ctx), "a repeat is accepted but not counted")
	assert.Equal(t, int64(1), f.conversions(t))
}

func TestTrackConversion_RateLimited(t *testing.T) {
	f := newTrackFixture(t)
	h := TrackConversion(f.ledger, ratelimit.New(ratelimit.NewMemoryStore(), 2), "")
	form := url.Values{"testHandle": {"signup"}, "conversionType": {"form"}}

	for i := 0; i < 2; i++ {
		assert.Equal(t, true, decode(t, f.post(h, form, f.visitor))["success"])
	}
	ctx := f.post(h, form, f.visitor)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, map[string]any{"success": false, "error": "Rate limited"}, decode(t, ctx))
}

func TestTrackConversion_Token(t *testing.T) {
	const secret = "s3cret"
	f := newTrackFixture(t)
	h := TrackConversion(f.ledger, ratelimit.New(ratelimit.NewMemoryStore(), 10), secret)

	form := url.Values{"testHandle": {"signup"}, "conversionType": {"email"}}
	assert.Equal(t, "Invalid token", decode(t, f.post(h, form, f.visitor))["error"])

	form.Set("token", render.Sign(secret, "someone-else", "signup"))
	assert.Equal(t, "Invalid token", decode(t, f.post(h, form, f.visitor))["error"])

	form.Set("token", render.Sign(secret, f.visitor, "signup"))
	assert.Equal(t, map[string]any{"success": true}, decode(t, f.post(h, form, f.visitor)))
	assert.Equal(t, int64(1), f.conversions(t))
}

type apiFixture struct {
	store  *dbpkg.Store
	router *router.Router
}

// 1
// ├── 10 (control)
// │   └── 11
// └── 20 (variant)
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	s := dbtest.Open(t)
	tree := content.NewTree()
	require.NoError(t, tree.Load([]content.Node{{ID: 1}, {ID: 10, ParentID: 1}, {ID: 11, ParentID: 10}, {ID: 20, ParentID: 1}}))

	resolver := cascade.New(tree, s)
	tree.Subscribe(resolver)
	reports := results.New(s, results.Settings{SignificanceThreshold: 0.95, MinDetectableEffect: 0.1})
	svc := experiments.New(s, tree, resolver, reports)
	engine := assignment.New(s, time.Hour, assignment.WithDraw(func() int { return 1 }))
	ledger := tracking.New(s, engine, config.CountPerGoalType)
	decider := render.New(tree, s, resolver, engine, ledger, svc)

	r := router.New()
	r.POST("/v1/experiments", CreateExperiment(svc))
	r.GET("/v1/experiments", ListExperiments(svc))
	r.GET("/v1/experiments/{id}", GetExperiment(svc))
	r.PUT("/v1/experiments/{id}/goals", SetGoals(svc))
	r.POST("/v1/experiments/{id}/start", StartExperiment(svc))
	r.POST("/v1/experiments/{id}/complete", CompleteExperiment(svc))
	r.DELETE("/v1/experiments/{id}", DeleteExperiment(svc))
	r.GET("/v1/experiments/{id}/results", ExperimentResults(svc, reports))
	r.GET("/v1/experiments/{id}/estimate", ExperimentEstimate(svc, reports))
	r.POST("/v1/render/decide", RenderDecide(decider, engine))
	r.POST("/v1/content/nodes", InsertNode(tree))
	r.DELETE("/v1/content/nodes/{id}", DeleteNode(tree))
	return &apiFixture{store: s, router: r}
}

func (f *apiFixture) do(method, uri, body string) *fasthttp.RequestCtx {
	ctx := newRequest(method, uri, []byte(body))
	ctx.Request.Header.SetContentType("application/json")
	f.router.Handler(ctx)
	return ctx
}

func TestExperimentsAPI(t *testing.T) {
	f := newAPIFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/v1/experiments", `{"name":"Hero Test","controlNodeId":10,"variantNodeId":20}`)
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	created := decode(t, ctx)
	assert.Equal(t, "hero-test", created["handle"])
	assert.Equal(t, "draft", created["status"])
	id := strconv.Itoa(int(created["id"].(float64)))

	ctx = f.do(fasthttp.MethodPost, "/v1/experiments", `{"name":"Nested","controlNodeId":10,"variantNodeId":11}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/v1/experiments", `{"name":`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodGet, "/v1/experiments/999", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodGet, "/v1/experiments/abc", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/v1/experiments/"+id+"/start", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode(), "no goals yet")

	ctx = f.do(fasthttp.MethodPut, "/v1/experiments/"+id+"/goals", `{"goals":[{"type":"form","config":{"selector":"#signup"}}]}`)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))

	ctx = f.do(fasthttp.MethodPost, "/v1/experiments/"+id+"/start", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	assert.Equal(t, "running", decode(t, ctx)["status"])

	ctx = f.do(fasthttp.MethodPost, "/v1/render/decide", `{"nodeId":10}`)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	dec := decode(t, ctx)
	assert.Equal(t, "variant", dec["arm"])
	assert.Equal(t, float64(20), dec["renderNodeId"])
	payload := dec["tracking"].(map[string]any)
	assert.Equal(t, "hero-test", payload["testHandle"])
	assert.Equal(t, render.DefaultEndpoint, payload["endpoint"])

	visitorCookie := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(visitorCookie)
	visitorCookie.SetKey(assignment.VisitorToken)
	require.True(t, ctx.Response.Header.Cookie(visitorCookie))
	assert.NotEmpty(t, visitorCookie.Value())

	ctx = f.do(fasthttp.MethodGet, "/v1/experiments/"+id+"/results", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	variant := decode(t, ctx)["variant"].(map[string]any)
	assert.Equal(t, float64(1), variant["impressions"])

	ctx = f.do(fasthttp.MethodGet, "/v1/experiments/"+id+"/estimate", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Nil(t, decode(t, ctx)["estimate"], "fewer than ten impressions")

	ctx = f.do(fasthttp.MethodPost, "/v1/experiments/"+id+"/complete", `{"winner":"nobody"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	ctx = f.do(fasthttp.MethodPost, "/v1/experiments/"+id+"/complete", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	assert.Equal(t, "completed", decode(t, ctx)["status"])

	ctx = f.do(fasthttp.MethodDelete, "/v1/experiments/"+id, "")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	ctx = f.do(fasthttp.MethodDelete, "/v1/experiments/"+id, "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestContentAPI(t *testing.T) {
	f := newAPIFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/v1/content/nodes", `{"id":12,"parentId":11}`)
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/v1/content/nodes", `{"id":12,"parentId":11}`)
	assert.Equal(t, fasthttp.StatusConflict, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/v1/content/nodes", `{"id":13,"parentId":99}`)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/v1/content/nodes", `{"id":0}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodDelete, "/v1/content/nodes/12", "")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	ctx = f.do(fasthttp.MethodDelete, "/v1/content/nodes/12", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestExperimentMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_hits_total", Help: "h"}, []string{"experiment"})
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_other_total", Help: "o"})
	reg.MustRegister(hits, other)
	hits.WithLabelValues("hero").Add(3)
	hits.WithLabelValues("pricing").Inc()
	other.Inc()

	h := ExperimentMetricsHandler(reg)

	ctx := newRequest(fasthttp.MethodGet, "/v1/metrics?experiment=hero", nil)
	h(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := string(ctx.Response.Body())
	assert.Contains(t, body, `test_hits_total{experiment="hero"} 3`)
	assert.NotContains(t, body, "pricing")
	assert.NotContains(t, body, "test_other_total")

	ctx = newRequest(fasthttp.MethodGet, "/v1/metrics", nil)
	h(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}
