package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setWorkerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONTAINER_NAME", "")
	t.Setenv("STAGE_NAME", "filter_amount")
	t.Setenv("MODULE_NAME", "filter_amount")
	t.Setenv("REPLICA_ID", "1")
	t.Setenv("REPLICAS", "3")
	t.Setenv("FROM", "filtered_hours")
	t.Setenv("TO", `[{"name":"q1_ready","downstream_stage":"sink_q1","downstream_workers":1,"routing_fn":"default"}]`)
}

func TestLoadWorkerParsesOutputs(t *testing.T) {
	setWorkerEnv(t)
	cfg, err := LoadWorker()
	require.NoError(t, err)

	require.Len(t, cfg.Outputs(), 1)
	out := cfg.Outputs()[0]
	assert.Equal(t, "q1_ready", out.Name)
	assert.Equal(t, "sink_q1", out.DownstreamStage)
	assert.Equal(t, 1, out.DownstreamWorkers)
	assert.Equal(t, "default", out.RoutingFn)

	assert.Equal(t, "filter_amount_1", cfg.WorkerID())
	assert.False(t, cfg.IsLeader())
	assert.Equal(t, "filter_amount_1", cfg.ContainerName, "container name defaults to the worker id")
}

func TestLoadWorkerLeaderIsReplicaZero(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("REPLICA_ID", "0")
	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.True(t, cfg.IsLeader())
}

func TestLoadWorkerRejectsReplicaOutOfRange(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("REPLICA_ID", "3")
	_, err := LoadWorker()
	assert.Error(t, err)
}

func TestLoadWorkerRejectsEmptyTO(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("TO", `[]`)
	_, err := LoadWorker()
	assert.Error(t, err)
}

func TestLoadWorkerRejectsUnknownRoutingFn(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("TO", `[{"name":"x","downstream_stage":"y","downstream_workers":1,"routing_fn":"round_robin"}]`)
	_, err := LoadWorker()
	assert.Error(t, err)
}

func TestLoadWorkerRejectsMissingStage(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("STAGE_NAME", "")
	_, err := LoadWorker()
	assert.Error(t, err)
}

func TestLoadHealthCheckerPeerAddr(t *testing.T) {
	t.Setenv("REPLICA_ID", "1")
	t.Setenv("REPLICAS", "3")
	cfg, err := LoadHealthChecker()
	require.NoError(t, err)
	assert.Equal(t, "health_checker_2:8200", cfg.PeerAddr(2))
}

func TestLoadHealthCheckerRejectsReplicaOutOfRange(t *testing.T) {
	t.Setenv("REPLICA_ID", "5")
	t.Setenv("REPLICAS", "3")
	_, err := LoadHealthChecker()
	assert.Error(t, err)
}

func TestLoadGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "results", cfg.ResultsExchange)
	assert.Equal(t, "raw_transactions", cfg.TransactionsExchange)
}
