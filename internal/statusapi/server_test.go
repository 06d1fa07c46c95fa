package statusapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fastpath/internal/breaker"
	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/fastpath"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
)

type fakeBackend struct {
	mu        sync.Mutex
	healthy   bool
	stop      bool
	reason    string
	positions []fastpath.PositionView
	exit      fastpath.Result
	exited    []string
}

func (b *fakeBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Healthy:       b.healthy,
		Breaker:       breaker.Snapshot{State: breaker.StateClosed, EmergencyStop: b.stop, EmergencyReason: b.reason},
		OpenPositions: len(b.positions),
	}
}

func (b *fakeBackend) Positions() []fastpath.PositionView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions
}

func (b *fakeBackend) SetEmergencyStop(active bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop, b.reason = active, reason
}

func (b *fakeBackend) Exit(_ context.Context, mint string) fastpath.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exited = append(b.exited, mint)
	return b.exit
}

func newTestServer(t *testing.T, backend *fakeBackend) *httptest.Server {
	t.Helper()
	m := observability.NewMetrics("statusapi_test")
	m.RecordDecision(fastpath.ReasonAccepted)
	srv := httptest.NewServer(New(":0", backend, m, logger.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer_Status(t *testing.T) {
	backend := &fakeBackend{healthy: true}
	srv := newTestServer(t, backend)

	code, body := do(t, http.MethodGet, srv.URL+"/status", "")
	assert.Equal(t, http.StatusOK, code)

	var st map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, true, st["healthy"])
	br := st["breaker"].(map[string]interface{})
	assert.Equal(t, "CLOSED", br["state"])
}

func TestServer_Positions(t *testing.T) {
	backend := &fakeBackend{positions: []fastpath.PositionView{{
		Position: &domain.Position{ID: "pos-1", InstrumentID: "MintA", Status: domain.PositionActive, RiskTier: domain.RiskTierLow},
		Decision: fastpath.DecisionHold,
		Analyzed: true,
	}}}
	srv := newTestServer(t, backend)

	code, body := do(t, http.MethodGet, srv.URL+"/positions", "")
	assert.Equal(t, http.StatusOK, code)

	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &views))
	require.Len(t, views, 1)
	assert.Equal(t, fastpath.DecisionHold, views[0]["decision"])
}

func TestServer_EmergencyStop(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(t, backend)

	code, body := do(t, http.MethodPost, srv.URL+"/emergency-stop", `{"active":true,"reason":"rug wave"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"emergencyStop":true`)
	assert.True(t, backend.stop)
	assert.Equal(t, "rug wave", backend.reason)

	code, _ = do(t, http.MethodPost, srv.URL+"/emergency-stop", `{"active":true}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "manual", backend.reason)

	code, _ = do(t, http.MethodPost, srv.URL+"/emergency-stop", `{"active":false}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, backend.stop)

	code, _ = do(t, http.MethodPost, srv.URL+"/emergency-stop", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/emergency-stop", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestServer_Exit(t *testing.T) {
	tests := []struct {
		name   string
		result fastpath.Result
		code   int
	}{
		{"submitted", fastpath.Result{OK: true, Reason: domain.ExitReasonManual, Signature: "Sig"}, http.StatusAccepted},
		{"no position", fastpath.Result{Reason: fastpath.ReasonNoPosition}, http.StatusNotFound},
		{"not active", fastpath.Result{Reason: fastpath.ReasonNotActive}, http.StatusConflict},
		{"submit failed", fastpath.Result{Reason: fastpath.ReasonSubmitFailed, Err: errors.New("rpc down")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{exit: tt.result}
			srv := newTestServer(t, backend)

			code, body := do(t, http.MethodPost, srv.URL+"/positions/MintA/exit", "")
			assert.Equal(t, tt.code, code)
			assert.Contains(t, body, tt.result.Reason)
			assert.Equal(t, []string{"MintA"}, backend.exited)
		})
	}
}

func TestServer_Health(t *testing.T) {
	backend := &fakeBackend{healthy: false}
	srv := newTestServer(t, backend)

	code, _ := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	backend.mu.Lock()
	backend.healthy = true
	backend.mu.Unlock()
	code, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ok")
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{})

	code, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "statusapi_test_")
}
