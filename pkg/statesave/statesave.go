package statesave

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Each state file starts with a magic number and a schema version. A version
// mismatch is surfaced as ErrVersionMismatch so startup can run an explicit
// upgrade step; it is never decoded silently.
const (
	magic         uint32 = 0x51525953 // "QRYS"
	schemaVersion uint16 = 3
)

// ErrVersionMismatch reports a state file written by a different schema.
var ErrVersionMismatch = errors.New("state file schema version mismatch")

// File names under the state-save directory.
const (
	FileJobs         = "job_state"
	FileNodes        = "node_state"
	FilePartitions   = "part_state"
	FileReservations = "resv_state"
	FileJobID        = "job_id_state"
)

// Store writes and reads the persisted state files. Every save goes to a
// sibling temp path and renames over the target, so readers either see the
// old file or the new one, never a partial write.
type Store struct {
	dir string
}

// New creates the state-save directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %v", err)
	}
	return &Store{dir: dir}, nil
}

// Save serializes v and atomically replaces the named state file.
func (s *Store) Save(name string, v any) error {
	body, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %v", name, err)
	}

	buf := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint16(buf[4:6], schemaVersion)
	copy(buf[6:], body)

	target := filepath.Join(s.dir, name)
	tmp := target + ".new"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to rename %s: %v", tmp, err)
	}
	return nil
}

// Load reads and validates the named state file into v. A missing file
// returns fs.ErrNotExist (first boot); reads retry briefly on transient
// ENOENT that can appear mid-rename.
func (s *Store) Load(name string, v any) error {
	target := filepath.Join(s.dir, name)

	var buf []byte
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		buf, err = os.ReadFile(target)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %v", target, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return err
	}

	if len(buf) < 6 {
		return fmt.Errorf("state file %s truncated (%d bytes)", name, len(buf))
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magic {
		return fmt.Errorf("state file %s has bad magic", name)
	}
	if ver := binary.BigEndian.Uint16(buf[4:6]); ver != schemaVersion {
		return fmt.Errorf("%w: file %s is version %d, want %d",
			ErrVersionMismatch, name, ver, schemaVersion)
	}
	if err := wire.Unmarshal(buf[6:], v); err != nil {
		return fmt.Errorf("failed to decode %s: %v", name, err)
	}
	return nil
}

// SaveJobID persists the id-counter.
func (s *Store) SaveJobID(next uint32) error {
	return s.Save(FileJobID, next)
}

// LoadJobID recovers the id-counter; 0 on first boot.
func (s *Store) LoadJobID() (uint32, error) {
	var next uint32
	err := s.Load(FileJobID, &next)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return next, err
}

// SaveAll writes every entity file; failures are logged and the remaining
// files still save (infrastructure errors never stop the controller).
func (s *Store) SaveAll(jobs, nodes, parts, resvs any, nextJobID uint32) {
	logger := log.WithComponent("statesave")
	for _, f := range []struct {
		name string
		v    any
	}{
		{FileJobs, jobs},
		{FileNodes, nodes},
		{FilePartitions, parts},
		{FileReservations, resvs},
	} {
		if err := s.Save(f.name, f.v); err != nil {
			logger.Error().Err(err).Str("file", f.name).Msg("state save failed")
		}
	}
	if err := s.SaveJobID(nextJobID); err != nil {
		logger.Error().Err(err).Msg("job id save failed")
	}
}
