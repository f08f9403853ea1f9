// Package sessions persists conversations as JSON files under the
// config directory. Writes are atomic (temp file, fsync, rename), every
// overwrite first snapshots the previous file into backups/, and loads
// that hit a corrupt file walk the backups newest-first.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/pkg/models"
)

const (
	sessionsDirName = "sessions"
	backupsDirName  = "backups"
	indexFileName   = "index.json"
	lockFileName    = ".lock"

	maxBackupsPerSession = 100
	backupMaxAge         = 7 * 24 * time.Hour
)

// IndexEntry is one row of the session listing, kept denormalised so
// listing does not read every session file.
type IndexEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the file-backed session store. One process owns the store
// directory via an advisory flock; within the process a per-session
// mutex serialises writers.
// HookRunner fires lifecycle hooks on store events.
type HookRunner interface {
	Fire(ctx context.Context, payload hooks.Payload) ([]hooks.Result, error)
}

type Store struct {
	dir      string
	lockFile *os.File
	logger   *slog.Logger
	now      func() time.Time
	hooks    HookRunner

	indexMu sync.Mutex

	locks sync.Map // session id -> *sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "sessions")
		}
	}
}

// WithHooks makes the store fire session:save events after every
// successful persist.
func WithHooks(h HookRunner) StoreOption {
	return func(s *Store) { s.hooks = h }
}

// withStoreClock injects a clock for tests.
func withStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) the store under configDir and
// takes the advisory lock. A second process opening the same directory
// gets an error rather than silent interleaving.
func NewStore(configDir string, opts ...StoreOption) (*Store, error) {
	dir := filepath.Join(configDir, sessionsDirName)
	if err := os.MkdirAll(filepath.Join(dir, backupsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open store lock: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("session store at %s is locked by another process", dir)
	}

	s := &Store{
		dir:      dir,
		lockFile: lockFile,
		logger:   slog.Default().With("component", "sessions"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the advisory lock.
func (s *Store) Close() error {
	if s.lockFile == nil {
		return nil
	}
	syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create initialises and persists a new session.
func (s *Store) Create(title, modelID string) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		ID:        uuid.New().String(),
		Title:     title,
		ModelID:   modelID,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Save persists the session atomically, snapshotting any previous
// version into backups/ first.
func (s *Store) Save(session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	if err := models.ValidateTranscript(session.Messages); err != nil {
		return fmt.Errorf("refusing to persist broken transcript: %w", err)
	}

	mu := s.sessionLock(session.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.saveLocked(session)
}

func (s *Store) saveLocked(session *models.Session) error {
	session.UpdatedAt = s.now()

	path := s.sessionPath(session.ID)
	if prev, err := os.ReadFile(path); err == nil {
		// RecordInvocation appends to the on-disk copy under this same
		// lock; a caller persisting an older in-memory session must not
		// drop those records on overwrite. Records are append-only, so
		// the longer list is the complete one.
		if onDisk, decodeErr := decodeSession(prev); decodeErr == nil &&
			len(onDisk.ToolInvocations) > len(session.ToolInvocations) {
			session.ToolInvocations = onDisk.ToolInvocations
		}
		if err := s.snapshotBackup(session.ID, prev); err != nil {
			s.logger.Warn("backup snapshot failed", "session", session.ID, "error", err)
		}
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write session %s: %w", session.ID, err)
	}

	s.pruneBackups(session.ID)
	if err := s.updateIndex(session); err != nil {
		return err
	}
	if s.hooks != nil {
		if _, err := s.hooks.Fire(context.Background(), hooks.Payload{
			Event:     hooks.EventSessionSave,
			SessionID: session.ID,
			Data:      map[string]any{"messages": len(session.Messages)},
		}); err != nil {
			s.logger.Warn("session:save hook failed", "session", session.ID, "error", err)
		}
	}
	return nil
}

// snapshotBackup writes the previous on-disk session bytes into backups/.
func (s *Store) snapshotBackup(id string, data []byte) error {
	name := fmt.Sprintf("%s.%d.json", id, s.now().UnixNano())
	return atomicWrite(filepath.Join(s.dir, backupsDirName, name), data)
}

// Load reads a session by id. A corrupt main file falls back to the
// newest readable backup; the returned session is then flagged
// Recovered and re-persisted.
func (s *Store) Load(id string) (*models.Session, error) {
	mu := s.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	path := s.sessionPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	session, err := decodeSession(data)
	if err == nil {
		return session, nil
	}
	s.logger.Warn("session file corrupt, trying backups", "session", id, "error", err)

	recovered, backupErr := s.recoverFromBackups(id)
	if backupErr != nil {
		return nil, models.NewCoreError(models.KindSessionCorrupt,
			"session %s is corrupt and no backup is readable: %v", id, err)
	}
	recovered.Recovered = true

	// Persist the recovered state so subsequent loads are clean.
	encoded, marshalErr := json.MarshalIndent(recovered, "", "  ")
	if marshalErr == nil {
		if writeErr := atomicWrite(path, encoded); writeErr != nil {
			s.logger.Warn("could not persist recovered session", "session", id, "error", writeErr)
		}
	}
	return recovered, nil
}

// recoverFromBackups walks this session's backups newest-first.
func (s *Store) recoverFromBackups(id string) (*models.Session, error) {
	backups, err := s.backupFiles(id)
	if err != nil {
		return nil, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		data, err := os.ReadFile(backups[i])
		if err != nil {
			continue
		}
		session, err := decodeSession(data)
		if err != nil {
			s.logger.Warn("backup also corrupt", "file", filepath.Base(backups[i]))
			continue
		}
		return session, nil
	}
	return nil, fmt.Errorf("no readable backup for %s", id)
}

// decodeSession unmarshals and checks structural integrity.
func decodeSession(data []byte) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("session file missing id")
	}
	if err := models.ValidateTranscript(session.Messages); err != nil {
		return nil, err
	}
	return &session, nil
}

// backupFiles returns this session's backup paths sorted oldest-first.
func (s *Store) backupFiles(id string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, backupsDirName))
	if err != nil {
		return nil, err
	}
	type stamped struct {
		path string
		ts   int64
	}
	var files []stamped
	prefix := id + "."
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		tsPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, stamped{filepath.Join(s.dir, backupsDirName, name), ts})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts < files[j].ts })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// pruneBackups drops backups beyond the per-session cap and any older
// than the retention window.
func (s *Store) pruneBackups(id string) {
	backups, err := s.backupFiles(id)
	if err != nil {
		return
	}
	cutoff := s.now().Add(-backupMaxAge).UnixNano()
	excess := len(backups) - maxBackupsPerSession
	for i, path := range backups {
		tsPart := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), id+"."), ".json")
		ts, _ := strconv.ParseInt(tsPart, 10, 64)
		if i < excess || ts < cutoff {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("backup prune failed", "file", filepath.Base(path), "error", err)
			}
		}
	}
}

// Delete removes a session, its backups, and its index entry.
func (s *Store) Delete(id string) error {
	mu := s.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if backups, err := s.backupFiles(id); err == nil {
		for _, path := range backups {
			os.Remove(path)
		}
	}
	return s.removeFromIndex(id)
}

// List returns index entries sorted by UpdatedAt descending. A missing
// or unreadable index is rebuilt by scanning the store.
func (s *Store) List() ([]IndexEntry, error) {
	s.indexMu.Lock()
	entries, err := s.readIndex()
	s.indexMu.Unlock()
	if err != nil || entries == nil {
		if err != nil {
			s.logger.Warn("session index unreadable, rebuilding", "error", err)
		}
		entries, err = s.rebuildIndex()
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt.After(entries[j].UpdatedAt) })
	return entries, nil
}

// RecordInvocation appends a tool invocation record to the session.
// Implements the tool gateway's Recorder.
func (s *Store) RecordInvocation(sessionID string, inv models.ToolInvocation) {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		s.logger.Warn("cannot record invocation", "session", sessionID, "error", err)
		return
	}
	session, err := decodeSession(data)
	if err != nil {
		s.logger.Warn("cannot record invocation", "session", sessionID, "error", err)
		return
	}
	session.ToolInvocations = append(session.ToolInvocations, inv)
	if err := s.saveLocked(session); err != nil {
		s.logger.Warn("cannot persist invocation", "session", sessionID, "error", err)
	}
}

// SearchInvocations returns invocation records across all sessions whose
// tool name matches the given name ("" matches every tool).
func (s *Store) SearchInvocations(toolName string) (map[string][]models.ToolInvocation, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]models.ToolInvocation)
	for _, entry := range entries {
		session, err := s.Load(entry.ID)
		if err != nil {
			continue
		}
		for _, inv := range session.ToolInvocations {
			if toolName == "" || inv.ToolName == toolName {
				out[entry.ID] = append(out[entry.ID], inv)
			}
		}
	}
	return out, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, indexFileName) }

func (s *Store) readIndex() ([]IndexEntry, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// rebuildIndex scans the store directory and rewrites the index.
func (s *Store) rebuildIndex() ([]IndexEntry, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || name == indexFileName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		session, err := decodeSession(data)
		if err != nil {
			continue
		}
		entries = append(entries, indexEntryFor(session))
	}
	if data, err := json.MarshalIndent(entries, "", "  "); err == nil {
		atomicWrite(s.indexPath(), data)
	}
	return entries, nil
}

func (s *Store) updateIndex(session *models.Session) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		entries = nil
	}
	entry := indexEntryFor(session)
	replaced := false
	for i := range entries {
		if entries[i].ID == session.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.indexPath(), data)
}

func (s *Store) removeFromIndex(id string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return nil
	}
	filtered := entries[:0]
	for _, entry := range entries {
		if entry.ID != id {
			filtered = append(filtered, entry)
		}
	}
	data, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.indexPath(), data)
}

func indexEntryFor(session *models.Session) IndexEntry {
	return IndexEntry{
		ID:           session.ID,
		Title:        session.Title,
		ModelID:      session.ModelID,
		MessageCount: len(session.Messages),
		TotalTokens:  session.TokenUsage.Total(),
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	}
}

// atomicWrite writes data via a temp file in the target directory,
// fsyncs it, and renames it over the destination.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

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
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
