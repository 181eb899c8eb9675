// Package cache implements Aurora's build cache store (spec §4.2, C2): a
// persistent fingerprint -> CacheRecord index under <project>/.aurora/cache,
// with crash-safe writes and tolerant reads (spec §6 "Cache layout").
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stevedores-org/aurora/internal/fingerprint"
)

const recordVersion = uint32(1)

// OutputEntry records one output file's content hash at completion time.
type OutputEntry struct {
	Path string
	Hash fingerprint.Digest
}

// Record is the persisted completion record for a fingerprint.
type Record struct {
	Fingerprint fingerprint.Digest
	FinishedAt  time.Time
	ExitStatus  int
	Outputs     []OutputEntry
}

// jsonRecord is Record's wire shape: fingerprint.Digest and time.Time need
// explicit (de)serialization to stay self-describing across versions.
type jsonRecord struct {
	FinishedAt time.Time     `json:"finished_at"`
	ExitStatus int           `json:"exit_status"`
	Outputs    []jsonOutput  `json:"outputs"`
}

type jsonOutput struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Store is the single writer of the on-disk index. Safe for concurrent use;
// the executor holds one Store per run.
type Store struct {
	dir    string
	log    hclog.Logger
	mu     sync.RWMutex
	byFP   map[fingerprint.Digest]Record
}

// Open loads (or initializes) the cache index under <project>/.aurora/cache.
// A corrupt index is treated as empty rather than a hard failure (spec
// §4.2 Contracts).
func Open(projectDir string, log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	dir := filepath.Join(projectDir, ".aurora", "cache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	s := &Store{dir: dir, log: log.Named("cache"), byFP: make(map[fingerprint.Digest]Record)}
	s.loadIndex()
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "index") }

func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read cache index, starting empty", "error", err)
		}
		return
	}

	r := bytes.NewReader(data)
	for {
		var fp fingerprint.Digest
		if _, err := io.ReadFull(r, fp[:]); err != nil {
			if err != io.EOF {
				s.log.Warn("cache index truncated, stopping read", "error", err)
			}
			return
		}

		var version, length uint32
		if err := binary.Read(r, binary.BigEndian, &version); err != nil {
			s.log.Warn("cache index corrupt (version), stopping read", "error", err)
			return
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			s.log.Warn("cache index corrupt (length), stopping read", "error", err)
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			s.log.Warn("cache index corrupt (payload), stopping read", "error", err)
			return
		}

		if version != recordVersion {
			s.log.Debug("skipping unknown cache record version", "version", version)
			continue
		}

		rec, err := decodeRecord(fp, payload)
		if err != nil {
			s.log.Warn("skipping corrupt cache record", "error", err)
			continue
		}
		s.byFP[fp] = rec
	}
}

// Lookup returns the record for a fingerprint, if any.
func (s *Store) Lookup(fp fingerprint.Digest) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byFP[fp]
	return rec, ok
}

// Record appends a completion record and atomically republishes the index
// (write-to-temp + rename, spec §4.2 Contracts). Either the new record
// becomes fully visible or the index is left unchanged.
func (s *Store) Record(fp fingerprint.Digest, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Fingerprint = fp
	s.byFP[fp] = rec

	var buf bytes.Buffer
	for f, r := range s.byFP {
		payload, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("encoding cache record: %w", err)
		}
		buf.Write(f[:])
		binary.Write(&buf, binary.BigEndian, recordVersion)
		binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
		buf.Write(payload)
	}

	tmp := filepath.Join(s.dir, fmt.Sprintf("index.tmp.%d", os.Getpid()))
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing temp cache index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming cache index: %w", err)
	}
	return nil
}

// Clean removes every record and deletes the index file (spec §4.2 clean()).
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFP = make(map[fingerprint.Digest]Record)
	if err := os.Remove(s.indexPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing cache index: %w", err)
	}
	return nil
}

// Status reports entry and byte-size totals (spec §4.2 status()).
type Status struct {
	EntryCount int
	TotalBytes int64
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := os.Stat(s.indexPath())
	var size int64
	if err == nil {
		size = info.Size()
	}
	return Status{EntryCount: len(s.byFP), TotalBytes: size}
}

// OutputsFresh reports whether every recorded output still exists on disk
// with its recorded content hash. Used by the executor for the skip
// decision (spec §4.2, "made by C8, not C2").
func OutputsFresh(rec Record) bool {
	for _, out := range rec.Outputs {
		digest, err := fingerprint.HashFile(out.Path)
		if err != nil || digest != out.Hash {
			return false
		}
	}
	return true
}

func encodeRecord(r Record) ([]byte, error) {
	jr := jsonRecord{FinishedAt: r.FinishedAt, ExitStatus: r.ExitStatus}
	for _, o := range r.Outputs {
		jr.Outputs = append(jr.Outputs, jsonOutput{Path: o.Path, Hash: o.Hash.String()})
	}
	return json.Marshal(jr)
}

func decodeRecord(fp fingerprint.Digest, payload []byte) (Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(payload, &jr); err != nil {
		return Record{}, err
	}
	rec := Record{Fingerprint: fp, FinishedAt: jr.FinishedAt, ExitStatus: jr.ExitStatus}
	for _, o := range jr.Outputs {
		var digest fingerprint.Digest
		n, err := hex.Decode(digest[:], []byte(o.Hash))
		if err != nil {
			return Record{}, fmt.Errorf("decoding output hash: %w", err)
		}
		if n != fingerprint.Size {
			return Record{}, fmt.Errorf("decoding output hash: want %d bytes, got %d", fingerprint.Size, n)
		}
		rec.Outputs = append(rec.Outputs, OutputEntry{Path: o.Path, Hash: digest})
	}
	return rec, nil
}
