package health

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmops/fleetbalancer/lib/agentpool"
	"github.com/llmops/fleetbalancer/lib/dispatch"
	"github.com/llmops/fleetbalancer/lib/domain"
	balerrors "github.com/llmops/fleetbalancer/lib/errors"
	"github.com/llmops/fleetbalancer/lib/metrics"
	"github.com/llmops/fleetbalancer/lib/wire"
)

func TestNewHealthChecker_RegistersDefaultChecks(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil)
	status := hc.Check(context.Background())

	assert.Contains(t, status.Checks, "filesystem")
	assert.Contains(t, status.Checks, "memory")
	assert.NotContains(t, status.Checks, "agent_pool", "nil pool should not register a check")
}

func TestNewHealthChecker_WithDB(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	hc := NewHealthChecker(db, nil, nil)
	status := hc.Check(context.Background())
	require.Contains(t, status.Checks, "audit_db")
	assert.Equal(t, StatusUp, status.Checks["audit_db"].Status)
}

func TestHealthChecker_CachesResult(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil)
	first := hc.Check(context.Background())
	second := hc.Check(context.Background())
	assert.Equal(t, first.Timestamp, second.Timestamp, "second call within CacheDuration should return the cached status")
}

func TestHealthChecker_Ready(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil)
	assert.True(t, hc.Ready(context.Background()))
}

func TestAgentPoolCheck_NoAgents(t *testing.T) {
	pool := agentpool.NewPool()
	check := &AgentPoolCheck{pool: pool}
	assert.Error(t, check.Check(context.Background()))
}

func TestAgentPoolCheck_ActiveAgent(t *testing.T) {
	pool := agentpool.NewPool()
	a := agentpool.New("agent-1", &agentSinkStub{})
	a.OnStatusUpdate(domain.SlotAggregatedStatusSnapshot{
		Slots: []domain.SlotSnapshot{{State: domain.SlotIdle, ModelID: "llama"}},
	})
	pool.Register(a)

	check := &AgentPoolCheck{pool: pool}
	assert.NoError(t, check.Check(context.Background()))
}

func TestBufferedQueueCheck_UnderLimit(t *testing.T) {
	pool := agentpool.NewPool()
	manager := dispatch.NewManager(pool, 1, time.Second, dispatch.Callbacks{
		Dispatch: func(*agentpool.Agent, dispatch.BufferedRequest) {},
		Terminal: func(dispatch.BufferedRequest, *balerrors.BalancerError) {},
	}, metrics.NewMetricsRegistry(), nil)

	check := &BufferedQueueCheck{manager: manager}
	assert.NoError(t, check.Check(context.Background()))
}

func TestFileSystemCheck(t *testing.T) {
	check := &FileSystemCheck{}
	assert.NoError(t, check.Check(context.Background()))
}

func TestMemoryCheck(t *testing.T) {
	check := &MemoryCheck{}
	assert.NoError(t, check.Check(context.Background()))
}

type agentSinkStub struct{}

func (agentSinkStub) Send(_ wire.Envelope) {}
