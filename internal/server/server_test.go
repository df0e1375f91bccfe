package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/engine"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Scan(ctx context.Context) (*engine.ScanSummary, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*engine.ScanSummary)
	return s, args.Error(1)
}

func (m *mockEngine) Run(ctx context.Context) (*engine.RunSummary, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*engine.RunSummary)
	return s, args.Error(1)
}

func (m *mockEngine) Monitor(ctx context.Context) (*engine.MonitorSummary, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*engine.MonitorSummary)
	return s, args.Error(1)
}

func (m *mockEngine) Reconcile(ctx context.Context) (*engine.ReconcileSummary, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*engine.ReconcileSummary)
	return s, args.Error(1)
}

func (m *mockEngine) Audit(ctx context.Context) (*engine.AuditReport, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*engine.AuditReport)
	return r, args.Error(1)
}

func (m *mockEngine) Status() engine.Status {
	return m.Called().Get(0).(engine.Status)
}

func (m *mockEngine) Account(ctx context.Context) (*broker.Account, error) {
	args := m.Called(ctx)
	a, _ := args.Get(0).(*broker.Account)
	return a, args.Error(1)
}

func (m *mockEngine) Positions(ctx context.Context) ([]broker.Position, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).([]broker.Position)
	return p, args.Error(1)
}

func (m *mockEngine) Config() config.Config {
	return m.Called().Get(0).(config.Config)
}

func (m *mockEngine) Wheel() engine.WheelView {
	return m.Called().Get(0).(engine.WheelView)
}

func newTestServer(eng Engine, token string) *Server {
	logger, _ := test.NewNullLogger()
	return NewServer(Config{AuthToken: token, Port: 8080}, eng, logger)
}

func do(t *testing.T, s *Server, method, path, token string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestServer_Auth(t *testing.T) {
	eng := new(mockEngine)
	eng.On("Status").Return(engine.Status{Mode: "paper"})
	s := newTestServer(eng, "secret")

	rec, _ := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")

	rec, resp := do(t, s, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, resp.Error)

	rec, _ = do(t, s, http.MethodGet, "/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp = do(t, s, http.MethodGet, "/status", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "status", resp.Message)

	rec, _ = do(t, s, http.MethodGet, "/status?token=secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Scan(t *testing.T) {
	eng := new(mockEngine)
	eng.On("Scan", mock.Anything).Return(&engine.ScanSummary{BatchID: "b-1", Puts: 3, Calls: 1}, nil).Once()
	s := newTestServer(eng, "")

	rec, resp := do(t, s, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3 puts and 1 calls saved to batch b-1", resp.Message)
	assert.False(t, resp.Timestamp.IsZero())
	results, ok := resp.Results.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b-1", results["batch_id"])
	eng.AssertExpectations(t)
}

func TestServer_OperationErrorIs500(t *testing.T) {
	eng := new(mockEngine)
	eng.On("Run", mock.Anything).Return(nil, errors.New("broker down"))
	s := newTestServer(eng, "")

	rec, resp := do(t, s, http.MethodPost, "/run", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "broker down", resp.Error)
	assert.Equal(t, "run failed", resp.Message)
}

func TestServer_PanicIs500(t *testing.T) {
	eng := new(mockEngine)
	eng.On("Monitor", mock.Anything).Run(func(mock.Arguments) { panic("boom") })
	s := newTestServer(eng, "")

	rec, resp := do(t, s, http.MethodPost, "/monitor", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", resp.Error)
}

func TestServer_ReadEndpoints(t *testing.T) {
	eng := new(mockEngine)
	eng.On("Account", mock.Anything).Return(&broker.Account{PortfolioValue: 100000}, nil)
	eng.On("Positions", mock.Anything).Return([]broker.Position{{Symbol: "KO", Quantity: 100}}, nil)
	eng.On("Config").Return(config.Config{Environment: config.EnvironmentConfig{Mode: "paper"}})
	eng.On("Wheel").Return(engine.WheelView{})
	eng.On("Audit", mock.Anything).Return(&engine.AuditReport{Drifts: []engine.Drift{{Symbol: "KO", Field: "active_puts", Broker: 1}}}, nil)
	eng.On("Reconcile", mock.Anything).Return(&engine.ReconcileSummary{Events: []engine.ReconcileEvent{{Symbol: "KO"}}}, nil)
	s := newTestServer(eng, "")

	tests := []struct {
		method  string
		path    string
		message string
	}{
		{http.MethodGet, "/account", "account"},
		{http.MethodGet, "/positions", "1 positions"},
		{http.MethodGet, "/config", "config"},
		{http.MethodGet, "/wheel", "0 symbols, 0 completed cycles"},
		{http.MethodGet, "/audit", "1 drifts"},
		{http.MethodPost, "/reconcile", "1 wheel events"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, resp := do(t, s, tt.method, tt.path, "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(new(mockEngine), "")
	rec, _ := do(t, s, http.MethodGet, "/scan", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(new(mockEngine), "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIsMarketOpen(t *testing.T) {
	ny := time.FixedZone("ET", -4*60*60)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2025, 9, 22, 9, 29, 0, 0, ny), false},
		{"at open", time.Date(2025, 9, 22, 9, 30, 0, 0, ny), true},
		{"midday", time.Date(2025, 9, 22, 12, 0, 0, 0, ny), true},
		{"at close", time.Date(2025, 9, 22, 16, 0, 0, 0, ny), false},
		{"saturday", time.Date(2025, 9, 27, 12, 0, 0, 0, ny), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isMarketOpen(tt.at, ny))
		})
	}
}
