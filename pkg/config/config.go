package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/blake2b"

	"github.com/quarryproject/quarry/pkg/wire"
)

// EnvConfigPath points at the primary config file; EnvNodeName overrides the
// local node identity for daemons co-located on multiple virtual nodes.
const (
	EnvConfigPath = "CONFIG_PATH"
	EnvNodeName   = "NODENAME"

	DefaultConfigPath = "/etc/quarry/quarry.yaml"
)

// PrivateData mask bits: a set bit hides that object class from
// non-operators except for records they own.
const (
	PrivateJobs uint32 = 1 << iota
	PrivateNodes
	PrivatePartitions
	PrivateReservations
)

// NodeDef is one node-table entry from the config file.
type NodeDef struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	Addr       string   `mapstructure:"addr" yaml:"addr"`
	Boards     uint16   `mapstructure:"boards" yaml:"boards"`
	Sockets    uint16   `mapstructure:"sockets" yaml:"sockets"`
	Cores      uint16   `mapstructure:"cores" yaml:"cores"`
	Threads    uint16   `mapstructure:"threads" yaml:"threads"`
	CPUs       uint32   `mapstructure:"cpus" yaml:"cpus"`
	RealMemory uint64   `mapstructure:"real_memory" yaml:"real_memory"`
	TmpDisk    uint64   `mapstructure:"tmp_disk" yaml:"tmp_disk"`
	Features   []string `mapstructure:"features" yaml:"features"`
	Weight     uint32   `mapstructure:"weight" yaml:"weight"`
	Future     bool     `mapstructure:"future" yaml:"future"`
	Cloud      bool     `mapstructure:"cloud" yaml:"cloud"`
}

// PartitionDef is one partition-table entry.
type PartitionDef struct {
	Name        string   `mapstructure:"name" yaml:"name"`
	Nodes       []string `mapstructure:"nodes" yaml:"nodes"`
	MaxTime     time.Duration `mapstructure:"max_time" yaml:"max_time"`
	DefaultTime time.Duration `mapstructure:"default_time" yaml:"default_time"`
	Priority    uint16   `mapstructure:"priority" yaml:"priority"`
	Default     bool     `mapstructure:"default" yaml:"default"`
	AllowUsers  []uint32 `mapstructure:"allow_users" yaml:"allow_users"`
	AllowAccounts []string `mapstructure:"allow_accounts" yaml:"allow_accounts"`
}

// FrontEndDef is one front-end proxy entry; a non-empty table selects the
// front-end dispatch strategy.
type FrontEndDef struct {
	Name  string   `mapstructure:"name" yaml:"name"`
	Addr  string   `mapstructure:"addr" yaml:"addr"`
	Nodes []string `mapstructure:"nodes" yaml:"nodes"`
}

// Snapshot is an immutable view of the controller configuration. Handlers
// hold the snapshot they started with; reconfigure swaps in a new one.
type Snapshot struct {
	ClusterName string
	ControlAddr string
	NodeName    string

	AgentUser uint32   // identity node agents authenticate as
	Operators []uint32 // uids classified as operator

	AuthKey []byte // shared secret for request authentication
	CredKeyFile string

	StateSaveDir string
	AcctDBPath   string

	FirstJobID uint32
	MaxJobID   uint32
	MinJobAge  time.Duration

	AgentTimeout  time.Duration
	NodeTimeout   time.Duration // the agent heartbeat timeout: NoRespond past this
	DownTimeout   time.Duration // Down past this

	FastSchedule bool
	NoConfHash   bool
	DeferSched   bool
	SchedInterval time.Duration

	PrivateData uint32

	DebugLevel    int
	SchedLogLevel int
	DebugFlags    uint64

	Nodes      []NodeDef
	Partitions []PartitionDef
	FrontEnds  []FrontEndDef

	LoadedAt time.Time
}

// Hash digests the node-hardware-relevant portion of the snapshot; node
// agents report theirs at registration and a mismatch is logged.
func (s *Snapshot) Hash() []byte {
	payload, err := wire.Marshal(struct {
		Cluster string
		Nodes   []NodeDef
		Parts   []PartitionDef
	}{s.ClusterName, s.Nodes, s.Partitions})
	if err != nil {
		return nil
	}
	sum := blake2b.Sum256(payload)
	return sum[:]
}

// Load reads the config file selected by CONFIG_PATH (or the explicit path
// argument, which wins) and applies environment overrides.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("cluster_name", "quarry")
	v.SetDefault("control_addr", "0.0.0.0:6817")
	v.SetDefault("agent_user", 64030)
	v.SetDefault("first_job_id", 1)
	v.SetDefault("max_job_id", 0x03ff0000)
	v.SetDefault("min_job_age", "300s")
	v.SetDefault("node_timeout", "120s")
	v.SetDefault("down_timeout", "300s")
	v.SetDefault("agent_timeout", "30s")
	v.SetDefault("sched_interval", "60s")
	v.SetDefault("fast_schedule", true)
	v.SetDefault("state_save_dir", "/var/spool/quarry")
	v.SetDefault("acct_db_path", "/var/spool/quarry/acct.db")
	v.SetDefault("debug_level", 2)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %v", path, err)
	}

	s := &Snapshot{
		ClusterName:   v.GetString("cluster_name"),
		ControlAddr:   v.GetString("control_addr"),
		NodeName:      v.GetString("node_name"),
		AgentUser:     v.GetUint32("agent_user"),
		AuthKey:       []byte(v.GetString("auth_key")),
		CredKeyFile:   v.GetString("cred_key_file"),
		StateSaveDir:  v.GetString("state_save_dir"),
		AcctDBPath:    v.GetString("acct_db_path"),
		FirstJobID:    v.GetUint32("first_job_id"),
		MaxJobID:      v.GetUint32("max_job_id"),
		MinJobAge:     v.GetDuration("min_job_age"),
		AgentTimeout:  v.GetDuration("agent_timeout"),
		NodeTimeout:   v.GetDuration("node_timeout"),
		DownTimeout:   v.GetDuration("down_timeout"),
		FastSchedule:  v.GetBool("fast_schedule"),
		NoConfHash:    v.GetBool("no_conf_hash"),
		DeferSched:    v.GetBool("defer_sched"),
		SchedInterval: v.GetDuration("sched_interval"),
		PrivateData:   v.GetUint32("private_data"),
		DebugLevel:    v.GetInt("debug_level"),
		SchedLogLevel: v.GetInt("sched_log_level"),
		DebugFlags:    v.GetUint64("debug_flags"),
		LoadedAt:      time.Now(),
	}

	for _, uid := range v.GetIntSlice("operators") {
		s.Operators = append(s.Operators, uint32(uid))
	}
	if err := v.UnmarshalKey("node_table", &s.Nodes); err != nil {
		return nil, fmt.Errorf("failed to parse node table: %v", err)
	}
	if err := v.UnmarshalKey("partition_table", &s.Partitions); err != nil {
		return nil, fmt.Errorf("failed to parse partition table: %v", err)
	}
	if err := v.UnmarshalKey("front_end_table", &s.FrontEnds); err != nil {
		return nil, fmt.Errorf("failed to parse front-end table: %v", err)
	}

	if name := os.Getenv(EnvNodeName); name != "" {
		s.NodeName = name
	}
	return s, nil
}

// Manager holds the live snapshot pointer; readers never see a torn config.
type Manager struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// NewManager wraps an initial snapshot.
func NewManager(path string, initial *Snapshot) *Manager {
	m := &Manager{path: path}
	m.cur.Store(initial)
	return m
}

// Current returns the snapshot in effect; callers keep using it for the
// duration of one handler even across a reconfigure.
func (m *Manager) Current() *Snapshot {
	return m.cur.Load()
}

// Reload reads the config file again and atomically swaps the snapshot.
func (m *Manager) Reload() (*Snapshot, error) {
	s, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cur.Store(s)
	return s, nil
}

// Swap installs a snapshot directly (used by tests and by debug-level RPCs
// that mutate a copy).
func (m *Manager) Swap(s *Snapshot) {
	m.cur.Store(s)
}
