package voices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPageSize = 50

// Store is the durable voice_id -> Record mapping: a JSON file on disk with
// an in-memory mirror for reads. Every mutation rewrites the whole file via a
// temp-file-then-rename, so the on-disk copy is never observed half-written.
//
// Mutations hold the lock across the persist step. If the persist fails the
// in-memory and on-disk states diverge until the next successful persist;
// that window is surfaced to the caller as the mutation's error, not masked.
type Store struct {
	mu     sync.RWMutex
	path   string
	voices map[string]Record
	log    *zap.Logger
}

func NewStore(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		path:   path,
		voices: make(map[string]Record),
		log:    log,
	}
}

// Load reads the backing file. A missing file means an empty store. Records
// that fail to decode are skipped with a warning; one bad entry never aborts
// the rest of the load.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.voices = make(map[string]Record)
			return nil
		}
		return fmt.Errorf("read voice db: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("voice db unreadable, starting empty", zap.String("path", s.path), zap.Error(err))
		s.voices = make(map[string]Record)
		return nil
	}

	loaded := make(map[string]Record, len(raw))
	for voiceID, entry := range raw {
		var rec Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			s.log.Warn("skipping corrupt voice record", zap.String("voice_id", voiceID), zap.Error(err))
			continue
		}
		if rec.VoiceID == "" {
			rec.VoiceID = voiceID
		}
		loaded[voiceID] = rec
	}
	s.voices = loaded
	return nil
}

// Put inserts a new record. Creation never silently overwrites.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.voices[rec.VoiceID]; ok {
		return fmt.Errorf("%w: %q", ErrExists, rec.VoiceID)
	}
	s.voices[rec.VoiceID] = rec.Clone()
	if err := s.persistLocked(); err != nil {
		delete(s.voices, rec.VoiceID)
		return err
	}
	return nil
}

// Update applies the patch's set fields and persists.
func (s *Store) Update(voiceID string, patch UpdatePatch) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.voices[voiceID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, voiceID)
	}
	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Language != nil {
		rec.Language = *patch.Language
	}
	rec.UpdatedAt = time.Now().UTC()
	s.voices[voiceID] = rec
	if err := s.persistLocked(); err != nil {
		return Record{}, err
	}
	return rec.Clone(), nil
}

// Remove deletes a record and persists. The removed record is returned so the
// caller can clean up the audio file it referenced.
func (s *Store) Remove(voiceID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.voices[voiceID]
	if !ok {
		return Record{}, false, nil
	}
	delete(s.voices, voiceID)
	if err := s.persistLocked(); err != nil {
		s.voices[voiceID] = rec
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Get(voiceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.voices[voiceID]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

func (s *Store) Exists(voiceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.voices[voiceID]
	return ok
}

// List returns a page of records plus the total count after filtering,
// ordered oldest-first for stable pagination.
func (s *Store) List(filter ListFilter) ([]Record, int) {
	s.mu.RLock()
	all := make([]Record, 0, len(s.voices))
	for _, rec := range s.voices {
		if filter.VoiceType != "" && rec.VoiceType != filter.VoiceType {
			continue
		}
		if filter.Language != "" && rec.Language != filter.Language {
			continue
		}
		all = append(all, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].VoiceID < all[j].VoiceID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	start := (page - 1) * size
	if start >= total {
		return []Record{}, total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total
}

// All returns every record, unfiltered. Used to reload the engine's speaker
// table at startup.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.voices))
	for _, rec := range s.voices {
		out = append(out, rec.Clone())
	}
	return out
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalVoices: len(s.voices),
		ByType:      make(map[VoiceType]int),
		ByLanguage:  make(map[string]int),
	}
	var durationSum float64
	var durationCount int
	for _, rec := range s.voices {
		stats.ByType[rec.VoiceType]++
		if rec.Language != "" {
			stats.ByLanguage[rec.Language]++
		}
		stats.TotalStorageBytes += rec.FileSizeBytes
		if rec.DurationSeconds > 0 {
			durationSum += rec.DurationSeconds
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AverageDuration = durationSum / float64(durationCount)
	}
	return stats
}

// persistLocked serializes the full map to a temp file in the same directory
// and renames it over the backing file. Callers must hold the write lock.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.voices, "", "  ")
	if err != nil {
		return fmt.Errorf("encode voice db: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create voice db dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".voices-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp voice db: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp voice db: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp voice db: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp voice db: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace voice db: %w", err)
	}
	return nil
}
