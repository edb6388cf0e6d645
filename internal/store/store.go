package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/gflowd/internal/clock"
	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/store/migrations"
	"github.com/vmihailenco/msgpack/v5"
)

// Ext is the file extension used for every persisted artifact (spec.md §6:
// "either choice is acceptable; what matters is atomic rename, forward
// migration, and that the journal uses the same encoding").
const Ext = "msgpack"

// Mode describes the Store's current durability posture (spec.md §4.7).
type Mode int

const (
	// ModeNormal: primary snapshot is writable, everything persists there.
	ModeNormal Mode = iota
	// ModeRecovery: primary is unwritable (or was corrupt at load); saves
	// land in the journal until the primary becomes writable again.
	ModeRecovery
	// ModeReadOnly: even the journal is unwritable, or the primary names a
	// newer schema version than this binary understands; mutation APIs must
	// refuse with ErrServiceUnavailable.
	ModeReadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "ok"
	case ModeRecovery:
		return "recovery"
	case ModeReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// Store owns the single on-disk snapshot file and its recovery journal. All
// methods are safe for concurrent use, though in practice the scheduler is
// the only caller and already serialises access through its own lock.
type Store struct {
	mu      sync.Mutex
	dataDir string
	clock   clock.Clock
	mode    Mode
}

// New creates a Store rooted at dataDir. dataDir must already exist.
func New(dataDir string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{dataDir: dataDir, clock: clk}
}

func (s *Store) primaryPath() string { return filepath.Join(s.dataDir, "state."+Ext) }
func (s *Store) journalPath() string { return filepath.Join(s.dataDir, "state.journal."+Ext) }

func (s *Store) backupPath() string {
	return filepath.Join(s.dataDir, fmt.Sprintf("state.%s.backup.%d", Ext, s.clock.Now().Unix()))
}

func (s *Store) corruptPath() string {
	return filepath.Join(s.dataDir, fmt.Sprintf("state.%s.corrupt.%d", Ext, s.clock.Now().Unix()))
}

// Mode reports the store's current durability mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Load reads the primary snapshot, migrating forward as needed. If the
// primary is missing, a fresh empty state is returned in ModeNormal. If the
// primary exists but is corrupt, the store enters recovery mode: the bad
// file is renamed aside and an empty state is handed back so the daemon can
// keep serving (spec.md §4.7). If the primary names a schema version newer
// than this binary understands, the file is left in place and the store
// enters read-only mode with an empty state.
func (s *Store) Load() (*SchedulerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.primaryPath())
	if os.IsNotExist(err) {
		s.mode = ModeNormal
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading primary snapshot: %w", err)
	}

	state, migratedFrom, migrateErr := decode(data)
	var unknownVersion *migrations.ErrUnknownVersion
	if errors.As(migrateErr, &unknownVersion) {
		logging.Log.WithError(migrateErr).Error("store: primary snapshot has a newer schema version than this binary understands, entering read-only mode")
		s.mode = ModeReadOnly
		return NewState(), nil
	}
	if migrateErr != nil {
		logging.Log.WithError(migrateErr).Warn("store: primary snapshot failed to load, entering recovery mode")
		corrupt := s.corruptPath()
		if renameErr := os.Rename(s.primaryPath(), corrupt); renameErr != nil {
			logging.Log.WithError(renameErr).Error("store: failed to rename corrupt primary snapshot aside")
		}
		s.mode = ModeRecovery
		return NewState(), nil
	}

	s.mode = ModeNormal

	if migratedFrom < state.SchemaVersion {
		// A migration ran. Preserve the pre-migration bytes before we
		// overwrite the primary with the upgraded shape (spec.md §9).
		if err := atomicWrite(s.backupPath(), data); err != nil {
			logging.Log.WithError(err).Error("store: failed to write pre-migration backup")
		}
		migrated, err := msgpack.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("store: re-encoding migrated state: %w", err)
		}
		if err := atomicWrite(s.primaryPath(), migrated); err != nil {
			logging.Log.WithError(err).Warn("store: failed to persist migrated state, entering recovery mode")
			s.mode = ModeRecovery
			_ = s.saveJournalLocked(migrated)
		}
	}

	return state, nil
}

// Save writes state atomically. Behaviour depends on the current mode:
//
//   - ModeNormal: write-temp-then-rename over the primary. On failure, fall
//     through to recovery mode and retry as a journal write.
//   - ModeRecovery: write to the journal (overwrite-style, full snapshot
//     each time), then probe whether the primary is writable again; if so,
//     promote the journal to the primary and return to ModeNormal.
//   - ModeReadOnly: refuse immediately.
//
// If the journal write itself fails, the store degrades to ModeReadOnly
// (spec.md §4.7).
func (s *Store) Save(state *SchedulerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encoding state: %w", err)
	}

	switch s.mode {
	case ModeNormal:
		if err := atomicWrite(s.primaryPath(), data); err != nil {
			logging.Log.WithError(err).Warn("store: primary snapshot unwritable, entering recovery mode")
			s.mode = ModeRecovery
			return s.saveJournalLocked(data)
		}
		return nil

	case ModeRecovery:
		if err := s.saveJournalLocked(data); err != nil {
			return err
		}
		// Re-probe: has the primary become writable again?
		if err := atomicWrite(s.primaryPath(), data); err == nil {
			if rmErr := os.Remove(s.journalPath()); rmErr != nil && !os.IsNotExist(rmErr) {
				logging.Log.WithError(rmErr).Warn("store: failed to truncate journal after promotion")
			}
			s.mode = ModeNormal
			logging.Log.Info("store: primary snapshot writable again, promoted journal and exited recovery mode")
		}
		return nil

	case ModeReadOnly:
		return ErrServiceUnavailable

	default:
		return fmt.Errorf("store: unknown mode %v", s.mode)
	}
}

func (s *Store) saveJournalLocked(data []byte) error {
	if err := atomicWrite(s.journalPath(), data); err != nil {
		logging.Log.WithError(err).Error("store: journal unwritable, entering read-only mode")
		s.mode = ModeReadOnly
		return ErrServiceUnavailable
	}
	return nil
}

// atomicWrite writes data to a sibling temp file and renames it over path,
// the atomic-snapshot protocol spec.md §4.7/§9 requires.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// decode unmarshals data into a generic map first so migrations can run
// regardless of what the current Go SchedulerState struct looks like, then
// re-marshals the migrated map into the current struct shape. It returns
// the schema version the data had *before* migration, so callers can tell
// whether a migration actually ran.
func decode(data []byte) (state *SchedulerState, originalVersion int, err error) {
	var raw map[string]interface{}
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("store: unmarshalling snapshot: %w", err)
	}
	if v, ok := raw["schema_version"].(int8); ok {
		originalVersion = int(v)
	} else {
		switch v := raw["schema_version"].(type) {
		case int:
			originalVersion = v
		case int64:
			originalVersion = int(v)
		case uint64:
			originalVersion = int(v)
		case float64:
			originalVersion = int(v)
		}
	}

	migrated, err := migrations.Upgrade(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("store: migrating snapshot: %w", err)
	}

	reencoded, err := msgpack.Marshal(migrated)
	if err != nil {
		return nil, 0, fmt.Errorf("store: re-encoding migrated snapshot: %w", err)
	}

	var out SchedulerState
	if err := msgpack.Unmarshal(reencoded, &out); err != nil {
		return nil, 0, fmt.Errorf("store: decoding migrated snapshot: %w", err)
	}
	if out.Jobs == nil {
		out.Jobs = make(map[uint64]*job.Job)
	}
	if out.GroupLimits == nil {
		out.GroupLimits = make(map[string]int)
	}
	return &out, originalVersion, nil
}
