package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/brewflow/internal/domain"
	"github.com/fairyhunter13/brewflow/internal/observability"
)

const (
	snapshotSuffix = ".snapshot.json"
	walSuffix      = ".wal"
)

// Store persists sessions under one per-worker directory: a snapshot file
// plus an append-only WAL per session. The WAL is truncated only after a
// successful atomic snapshot replace, so recovery never observes partial
// state.
type Store struct {
	dir           string
	stage         string
	handler       StateHandler
	snapshotEvery int

	walFiles  map[string]*os.File
	committed map[string]int
}

// NewStore creates the directory if needed.
func NewStore(dir, stage string, handler StateHandler, snapshotEvery int) (*Store, error) {
	if snapshotEvery <= 0 {
		snapshotEvery = 100
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{
		dir:           dir,
		stage:         stage,
		handler:       handler,
		snapshotEvery: snapshotEvery,
		walFiles:      make(map[string]*os.File),
		committed:     make(map[string]int),
	}, nil
}

func (st *Store) snapshotPath(id string) string { return filepath.Join(st.dir, id+snapshotSuffix) }
func (st *Store) walPath(id string) string      { return filepath.Join(st.dir, id+walSuffix) }

func (st *Store) walFile(id string) (*os.File, error) {
	if f, ok := st.walFiles[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(st.walPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	st.walFiles[id] = f
	return f, nil
}

// CommitBatch appends the session's pending ops plus a commit marker to its
// WAL, fsyncs, and clears the pending list. After snapshotEvery committed
// batches the session is compacted.
func (st *Store) CommitBatch(s *Session, batchID string) error {
	f, err := st.walFile(s.ID)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	ops := append(s.PendingOps, SysCommit(batchID))
	for _, op := range ops {
		line, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal op: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append wal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync wal: %w", err)
	}
	observability.WALAppendsTotal.WithLabelValues(st.stage).Add(float64(len(ops)))
	s.PendingOps = nil

	st.committed[s.ID]++
	if st.committed[s.ID] >= st.snapshotEvery {
		if err := st.Compact(s); err != nil {
			return err
		}
	}
	return nil
}

type snapshotFile struct {
	SessionID    string          `json:"session_id"`
	EOFCollected []int           `json:"eof_collected"`
	MsgsReceived []string        `json:"msgs_received"`
	Storage      json.RawMessage `json:"storage"`
}

// Compact serializes the session to a fresh snapshot (write temp, fsync,
// rename) and truncates the WAL.
func (st *Store) Compact(s *Session) error {
	snap := snapshotFile{SessionID: s.ID}
	for w := range s.EOFCollected {
		snap.EOFCollected = append(snap.EOFCollected, w)
	}
	for m := range s.MsgsReceived {
		snap.MsgsReceived = append(snap.MsgsReceived, m)
	}
	raw, err := json.Marshal(s.Storage)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	snap.Storage = raw
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := st.snapshotPath(s.ID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot tmp: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, st.snapshotPath(s.ID)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	// WAL truncation only after the snapshot replace succeeded.
	if f, ok := st.walFiles[s.ID]; ok {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncate wal: %w", err)
		}
	} else if err := os.Truncate(st.walPath(s.ID), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate wal: %w", err)
	}
	st.committed[s.ID] = 0
	observability.SnapshotCompactionsTotal.WithLabelValues(st.stage).Inc()
	return nil
}

// Remove deletes the session's files after a successful flush.
func (st *Store) Remove(id string) error {
	if f, ok := st.walFiles[id]; ok {
		_ = f.Close()
		delete(st.walFiles, id)
	}
	delete(st.committed, id)
	if err := os.Remove(st.walPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove wal: %w", err)
	}
	if err := os.Remove(st.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// LoadAll rehydrates every session found on disk.
func (st *Store) LoadAll() (map[string]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	ids := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, snapshotSuffix):
			ids[strings.TrimSuffix(name, snapshotSuffix)] = true
		case strings.HasSuffix(name, walSuffix):
			ids[strings.TrimSuffix(name, walSuffix)] = true
		}
	}
	out := make(map[string]*Session, len(ids))
	for id := range ids {
		s, err := st.Load(id)
		if err != nil {
			// Structural failures abort this session only.
			slog.Error("session recovery failed",
				slog.String("session_id", id),
				slog.Any("error", err))
			continue
		}
		out[id] = s
	}
	return out, nil
}

// Load rebuilds one session as snapshot plus replay of commit-terminated WAL
// batches. A trailing uncommitted batch is discarded with a warning; corrupt
// JSON lines are skipped with a warning.
func (st *Store) Load(id string) (*Session, error) {
	s := New(id, st.handler)

	raw, err := os.ReadFile(st.snapshotPath(id))
	switch {
	case err == nil:
		var snap snapshotFile
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("%w: snapshot %s: %v", domain.ErrCorruptWAL, id, err)
		}
		for _, w := range snap.EOFCollected {
			s.EOFCollected[w] = true
		}
		for _, m := range snap.MsgsReceived {
			s.MsgsReceived[m] = true
		}
		if len(snap.Storage) > 0 {
			state, err := st.handler.DecodeState(snap.Storage)
			if err != nil {
				return nil, fmt.Errorf("%w: snapshot storage %s: %v", domain.ErrCorruptWAL, id, err)
			}
			s.Storage = state
		}
	case os.IsNotExist(err):
		// missing snapshot means empty state
	default:
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	f, err := os.Open(st.walPath(id))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var batch []Op
	discarded := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var op Op
		if err := json.Unmarshal(line, &op); err != nil {
			slog.Warn("skipping corrupt wal line",
				slog.String("session_id", id),
				slog.Any("error", err))
			continue
		}
		if op.Type() == OpSysCommit {
			for _, o := range batch {
				if err := s.reduce(st.handler, o); err != nil {
					slog.Warn("skipping unreducible wal op",
						slog.String("session_id", id),
						slog.String("op", o.Type()),
						slog.Any("error", err))
				}
			}
			batch = batch[:0]
			continue
		}
		batch = append(batch, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	if len(batch) > 0 {
		discarded = len(batch)
		slog.Warn("discarding uncommitted trailing wal batch",
			slog.String("session_id", id),
			slog.Int("ops", discarded))
	}
	return s, nil
}
