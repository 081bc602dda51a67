package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skald/auth"
	"skald/model"
	"skald/saga"
	"skald/store"
	"skald/users"
)

type fakeDeployer struct {
	got []model.DeploymentRequest
	err error
}

func (f *fakeDeployer) Submit(_ context.Context, req model.DeploymentRequest) (*model.Deployment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, req)
	return &model.Deployment{ID: "d-new", Requester: req.Requester, NodeID: req.NodeID, Status: model.StatusQueued}, nil
}

func (f *fakeDeployer) RunAsync(_ context.Context, req model.DeploymentRequest) (*model.CommandRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, req)
	return &model.CommandRun{ID: "c-new", SagaID: "saga-c-new"}, nil
}

type checkFunc func(context.Context) error

func (f checkFunc) Healthy(ctx context.Context) error { return f(ctx) }

type fixture struct {
	deployer *fakeDeployer
	records  *store.Memory
	sagas    *saga.MemoryStore
	h        *Handler
	router   chi.Router
}

func newFixture(t *testing.T, checks map[string]HealthChecker) *fixture {
	t.Helper()
	f := &fixture{
		deployer: &fakeDeployer{},
		records:  store.NewMemory(),
		sagas:    saga.NewMemoryStore(),
	}
	f.h = New(f.deployer, f.records, f.sagas, checks, zaptest.NewLogger(t))
	f.router = chi.NewRouter()
	f.h.Routes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path, identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if identity != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, id, requester string) *model.Deployment {
	t.Helper()
	d := &model.Deployment{
		ID:        id,
		Requester: requester,
		AccountID: "acc",
		NodeID:    "n1",
		SagaID:    "saga-" + id,
		Status:    model.StatusQueued,
		StartedAt: time.Now(),
	}
	require.NoError(t, f.records.InsertDeployment(context.Background(), d))
	return d
}

func TestCreateDeploymentUsesTokenIdentity(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/deployments", "dev@example.com",
		`{"requester":"someone@else.com","accountId":"acc","nodeId":"n1","command":"uptime"}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.deployer.got, 1)
	assert.Equal(t, "dev@example.com", f.deployer.got[0].Requester)
	assert.Equal(t, 22, f.deployer.got[0].Port)

	var d model.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "d-new", d.ID)
}

func TestCreateDeploymentBodyRequester(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/deployments", "", `{"requester":"dev@example.com","accountId":"acc","nodeId":"n1","command":"uptime"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.h.AllowBodyRequester = true
	rec = f.do(t, http.MethodPost, "/api/deployments", "", `{"requester":"dev@example.com","accountId":"acc","nodeId":"n1","command":"uptime"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateDeploymentErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		err  error
		code int
	}{
		"bad json":        {body: `{`, code: http.StatusBadRequest},
		"missing command": {body: `{"accountId":"acc","nodeId":"n1"}`, code: http.StatusBadRequest},
		"bad port":        {body: `{"accountId":"acc","nodeId":"n1","command":"x","port":70000}`, code: http.StatusBadRequest},
		"unknown user":    {body: `{"accountId":"acc","nodeId":"n1","command":"x"}`, err: fmt.Errorf("%w: x", users.ErrUnknownUser), code: http.StatusForbidden},
		"unknown account": {body: `{"accountId":"nope","nodeId":"n1","command":"x"}`, err: users.ErrUnknownAccount, code: http.StatusNotFound},
		"ledger down":     {body: `{"accountId":"acc","nodeId":"n1","command":"x"}`, err: errors.New("insert deployment: conn refused"), code: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.deployer.err = tc.err
			rec := f.do(t, http.MethodPost, "/api/deployments", "dev@example.com", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestListDeploymentsFiltersByIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "a", "dev@example.com")
	f.seed(t, "b", "ops@example.com")

	rec := f.do(t, http.MethodGet, "/api/deployments", "dev@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []model.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
}

func TestListDeploymentsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/deployments", "dev@example.com", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetDeployment(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "a", "dev@example.com")

	rec := f.do(t, http.MethodGet, "/api/deployments/a", "dev@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"a"`)

	rec = f.do(t, http.MethodGet, "/api/deployments/a", "ops@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/deployments/missing", "dev@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSagaEvents(t *testing.T) {
	f := newFixture(t, nil)
	d := f.seed(t, "a", "dev@example.com")
	sg := saga.Resume(f.sagas, d.SagaID, saga.Subject{Deployment: d.ID, Requester: d.Requester, Source: "pipeline", Category: "deploy"})
	ctx := context.Background()
	require.NoError(t, sg.StepStart(ctx, "resolve", 1))
	require.NoError(t, sg.StepComplete(ctx, "resolve", 1, time.Second))

	rec := f.do(t, http.MethodGet, "/api/saga/"+d.SagaID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []saga.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	rec = f.do(t, http.MethodGet, "/api/saga/"+d.SagaID+"?format=text", "", "")
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "[#1]")

	rec = f.do(t, http.MethodGet, "/api/deployments/a/events", "dev@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	rec = f.do(t, http.MethodGet, "/api/saga?deployment=a&limit=1", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 1)

	rec = f.do(t, http.MethodGet, "/api/saga/unknown", "", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSagaHiddenFromOtherRequesters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, d := range []*model.Deployment{f.seed(t, "a", "alice@example.com"), f.seed(t, "b", "bob@example.com")} {
		sg := saga.Resume(f.sagas, d.SagaID, saga.Subject{Deployment: d.ID, Requester: d.Requester, Source: "pipeline", Category: "deploy"})
		require.NoError(t, sg.Log(ctx, "deploy.queued", "deploying to n1 in acc", nil))
	}

	rec := f.do(t, http.MethodGet, "/api/saga/saga-a", "bob@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/saga/saga-a", "alice@example.com", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/saga?deployment=a", "bob@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/deployments/a/events", "bob@example.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/saga", "bob@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []saga.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Deployment)

	rec = f.do(t, http.MethodGet, "/api/saga", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2, "no identity sees everything")
}

func TestRunCommand(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/commands", "dev@example.com",
		`{"accountId":"acc","nodeId":"n1","command":"df -h","host":"192.0.2.7"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"c-new","sagaId":"saga-c-new"}`, rec.Body.String())
	require.Len(t, f.deployer.got, 1)
	assert.Equal(t, "192.0.2.7", f.deployer.got[0].Host)
	assert.Equal(t, "dev@example.com", f.deployer.got[0].Requester)

	rec = f.do(t, http.MethodPost, "/api/commands", "dev@example.com", `{"accountId":"acc","nodeId":"n1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.deployer.err = users.ErrUnknownAccount
	rec = f.do(t, http.MethodPost, "/api/commands", "dev@example.com", `{"accountId":"x","nodeId":"n1","command":"ls"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDeploymentIgnoresHost(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/deployments", "dev@example.com",
		`{"accountId":"acc","nodeId":"n1","command":"uptime","host":"192.0.2.7"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, f.deployer.got[0].Host)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]HealthChecker{
		"postgres": checkFunc(func(context.Context) error { return nil }),
	})
	rec := f.do(t, http.MethodGet, "/api/health", "", "")
	assert.JSONEq(t, `{"status":"ok","services":{"postgres":"up"}}`, rec.Body.String())

	f = newFixture(t, map[string]HealthChecker{
		"postgres": checkFunc(func(context.Context) error { return nil }),
		"s3":       checkFunc(func(context.Context) error { return errors.New("timeout") }),
	})
	rec = f.do(t, http.MethodGet, "/api/health", "", "")
	assert.JSONEq(t, `{"status":"degraded","services":{"postgres":"up","s3":"down"}}`, rec.Body.String())
}
