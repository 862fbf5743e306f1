package acct

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Sink receives accounting events. Writes are best-effort: failures are
// logged, never propagated into the RPC path.
type Sink interface {
	JobStart(job *types.Job)
	JobEnd(job *types.Job)
	StepStart(step *types.Step)
	StepEnd(step *types.Step)
	NodeDown(node *types.Node, reason string)
	Close() error
}

var (
	bucketJobs   = []byte("jobs")
	bucketSteps  = []byte("steps")
	bucketEvents = []byte("events")
)

// JobRecord is the persisted accounting view of a job.
type JobRecord struct {
	JobID     uint32 `cbor:"1,keyasint"`
	UserID    uint32 `cbor:"2,keyasint"`
	GroupID   uint32 `cbor:"3,keyasint"`
	Name      string `cbor:"4,keyasint,omitempty"`
	Partition string `cbor:"5,keyasint,omitempty"`
	State     uint8  `cbor:"6,keyasint"`
	NodeCount uint32 `cbor:"7,keyasint,omitempty"`
	SubmitTime int64 `cbor:"8,keyasint,omitempty"`
	StartTime  int64 `cbor:"9,keyasint,omitempty"`
	EndTime    int64 `cbor:"10,keyasint,omitempty"`
}

// StepRecord is the persisted accounting view of a step.
type StepRecord struct {
	JobID     uint32 `cbor:"1,keyasint"`
	StepID    uint32 `cbor:"2,keyasint"`
	TaskCount uint32 `cbor:"3,keyasint,omitempty"`
	ExitCode  int32  `cbor:"4,keyasint,omitempty"`
	StartTime int64  `cbor:"5,keyasint,omitempty"`
	EndTime   int64  `cbor:"6,keyasint,omitempty"`
}

// EventRecord captures node-down events.
type EventRecord struct {
	Node   string `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
	At     int64  `cbor:"3,keyasint"`
}

// BoltSink stores accounting records in a local bbolt database.
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink opens (creating if needed) the accounting database.
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open accounting db: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketSteps, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %v", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Close() error {
	return s.db.Close()
}

func (s *BoltSink) JobStart(job *types.Job) {
	s.putJob(job)
}

func (s *BoltSink) JobEnd(job *types.Job) {
	s.putJob(job)
}

func (s *BoltSink) putJob(job *types.Job) {
	rec := JobRecord{
		JobID:      job.ID,
		UserID:     job.UserID,
		GroupID:    job.GroupID,
		Name:       job.Name,
		Partition:  job.Request.Partition,
		State:      uint8(job.State),
		NodeCount:  job.NodeCount,
		SubmitTime: wire.Timestamp(job.SubmitTime),
		StartTime:  wire.Timestamp(job.StartTime),
		EndTime:    wire.Timestamp(job.EndTime),
	}
	if err := s.put(bucketJobs, u32Key(job.ID), rec); err != nil {
		logger := log.WithComponent("acct")
		logger.Error().Err(err).Uint32("job_id", job.ID).
			Msg("accounting job write failed")
	}
}

func (s *BoltSink) StepStart(step *types.Step) {
	s.putStep(step)
}

func (s *BoltSink) StepEnd(step *types.Step) {
	s.putStep(step)
}

func (s *BoltSink) putStep(step *types.Step) {
	var tasks uint32
	if step.Layout != nil {
		tasks = step.Layout.TaskCount
	}
	rec := StepRecord{
		JobID:     step.JobID,
		StepID:    step.StepID,
		TaskCount: tasks,
		ExitCode:  step.ExitCode,
		StartTime: wire.Timestamp(step.CreatedAt),
	}
	if step.Finished {
		rec.EndTime = time.Now().Unix()
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint32(key[0:4], step.JobID)
	binary.BigEndian.PutUint32(key[4:8], step.StepID)
	if err := s.put(bucketSteps, key, rec); err != nil {
		logger := log.WithComponent("acct")
		logger.Error().Err(err).Uint32("job_id", step.JobID).
			Uint32("step_id", step.StepID).Msg("accounting step write failed")
	}
}

func (s *BoltSink) NodeDown(node *types.Node, reason string) {
	rec := EventRecord{Node: node.Name, Reason: reason, At: time.Now().Unix()}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(time.Now().UnixNano()))
	if err := s.put(bucketEvents, key, rec); err != nil {
		logger := log.WithComponent("acct")
		logger.Error().Err(err).Str("node", node.Name).
			Msg("accounting event write failed")
	}
}

func (s *BoltSink) put(bucket, key []byte, v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// Jobs returns all persisted job records, for the accounting query path and
// for tests.
func (s *BoltSink) Jobs() ([]JobRecord, error) {
	var out []JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var rec JobRecord
			if err := wire.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func u32Key(x uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, x)
	return key
}

// Nop is a sink that drops everything; used when accounting is disabled.
type Nop struct{}

func (Nop) JobStart(*types.Job)              {}
func (Nop) JobEnd(*types.Job)                {}
func (Nop) StepStart(*types.Step)            {}
func (Nop) StepEnd(*types.Step)              {}
func (Nop) NodeDown(*types.Node, string)     {}
func (Nop) Close() error                     { return nil }
