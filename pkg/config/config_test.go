package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
cluster_name: test
control_addr: "127.0.0.1:7817"
agent_user: 1500
operators: [2000, 2001]
min_job_age: 60s
defer_sched: true
private_data: 1
node_table:
  - name: n1
    addr: "10.0.0.1:6818"
    sockets: 2
    cores: 4
    threads: 1
    cpus: 8
    real_memory: 34359738368
    features: [gpu]
    weight: 10
  - name: n2
    addr: "10.0.0.2:6818"
    cpus: 8
    real_memory: 34359738368
partition_table:
  - name: batch
    nodes: [n1, n2]
    max_time: 24h
    default_time: 1h
    priority: 100
    default: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", s.ClusterName)
	assert.Equal(t, uint32(1500), s.AgentUser)
	assert.Equal(t, []uint32{2000, 2001}, s.Operators)
	assert.Equal(t, time.Minute, s.MinJobAge)
	assert.True(t, s.DeferSched)
	assert.Equal(t, PrivateJobs, s.PrivateData)

	require.Len(t, s.Nodes, 2)
	assert.Equal(t, "n1", s.Nodes[0].Name)
	assert.Equal(t, uint32(8), s.Nodes[0].CPUs)
	assert.Equal(t, []string{"gpu"}, s.Nodes[0].Features)

	require.Len(t, s.Partitions, 1)
	assert.Equal(t, "batch", s.Partitions[0].Name)
	assert.True(t, s.Partitions[0].Default)
	assert.Equal(t, 24*time.Hour, s.Partitions[0].MaxTime)
}

func TestLoadHonorsConfigPathEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv(EnvConfigPath, path)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "test", s.ClusterName)
}

func TestNodeNameOverride(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv(EnvNodeName, "vnode7")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vnode7", s.NodeName)
}

func TestHashChangesWithNodeTable(t *testing.T) {
	s1, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	s2, err := Load(writeConfig(t, sampleConfig+"\n"))
	require.NoError(t, err)
	assert.Equal(t, s1.Hash(), s2.Hash(), "hash covers content, not file identity")

	altered := strings.Replace(sampleConfig, "partition_table:", `  - name: n3
    addr: "10.0.0.3:6818"
    cpus: 4
partition_table:`, 1)
	s3, err := Load(writeConfig(t, altered))
	require.NoError(t, err)
	assert.NotEqual(t, s1.Hash(), s3.Hash())
}

func TestManagerSwap(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s, err := Load(path)
	require.NoError(t, err)

	m := NewManager(path, s)
	assert.Same(t, s, m.Current())

	held := m.Current()
	s2, err := m.Reload()
	require.NoError(t, err)
	assert.Same(t, s2, m.Current())
	// A handler holding the old snapshot keeps reading it unchanged.
	assert.Equal(t, "test", held.ClusterName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
