// Package trash makes destructive file operations reversible by moving
// targets into a holding area instead of deleting them.
package trash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	metadataFile = "metadata.json"
	payloadDir   = "payload"
	indexFile    = "index.jsonl"

	defaultRetentionDays = 30
	maxRestoreAttempts   = 8
)

// PolicySource supplies the active policy snapshot.
type PolicySource interface {
	Current() *models.SecurityPolicy
}

// Recorder receives audit entries.
type Recorder interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// Store owns the holding area below root. Layout:
//
//	<root>/index.jsonl                       journal of trashed/restored/erased events
//	<root>/<id>/metadata.json                the TrashEntry
//	<root>/<id>/payload/<original basename>  the moved file or directory
type Store struct {
	root     string
	policies PolicySource
	audit    Recorder
	now      func() time.Time

	mu sync.Mutex // index appends and per-entry mutations
}

// NewStore creates root if needed. audit may be nil.
func NewStore(root string, policies PolicySource, audit Recorder) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving trash root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating trash root: %w", err)
	}
	return &Store{root: abs, policies: policies, audit: audit, now: time.Now}, nil
}

// Root returns the absolute holding-area path.
func (s *Store) Root() string { return s.root }

type indexRecord struct {
	Event   string             `json:"event"`
	TrashID string             `json:"trash_id"`
	At      time.Time          `json:"at"`
	Actor   string             `json:"actor,omitempty"`
	Entry   *models.TrashEntry `json:"entry,omitempty"`
}

// MoveToTrash moves path into the holding area. With permanent the entry is
// marked unrecoverable; that requires the policy to allow permanent deletion.
func (s *Store) MoveToTrash(ctx context.Context, path string, permanent bool, actor string) (*models.TrashEntry, error) {
	if permanent && !s.permanentAllowed() {
		return nil, fmt.Errorf("%w: permanent deletion is disabled", ErrPolicy)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if s.overlapsRoot(abs) {
		return nil, fmt.Errorf("%w: %s overlaps the trash area", ErrPolicy, abs)
	}
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
	}
	if err != nil {
		return nil, err
	}
	size, err := pathSize(abs)
	if err != nil {
		log.Warn().Err(err).Str("path", abs).Msg("could not size trash target")
	}

	now := s.now().UTC()
	id, dir, err := s.allocate(abs, now)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, payloadDir, filepath.Base(abs))
	if err := movePath(abs, dest); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("moving %s to trash: %w", abs, err)
	}

	entry := &models.TrashEntry{
		TrashID:      id,
		OriginalPath: abs,
		Name:         filepath.Base(abs),
		IsDir:        info.IsDir(),
		DeletedAt:    now,
		SizeBytes:    size,
		Permanent:    permanent,
		Recoverable:  !permanent,
	}
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), entry); err != nil {
		if rbErr := movePath(dest, abs); rbErr != nil {
			log.Error().Err(rbErr).Str("trash_id", id).Msg("could not roll back trash move")
		} else {
			_ = os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("writing trash metadata: %w", err)
	}

	s.journal(indexRecord{Event: "trashed", TrashID: id, At: now, Actor: actor, Entry: entry})
	trashOps.WithLabelValues("trashed").Inc()
	log.Info().Str("path", abs).Str("trash_id", id).Bool("permanent", permanent).Msg("moved to trash")
	s.record(ctx, actor, models.EventTrashed, entry, "ok")
	return entry, nil
}

// allocate creates the per-entry directory, retrying on the rare id collision.
func (s *Store) allocate(abs string, now time.Time) (string, string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := newTrashID(abs, now)
		dir := filepath.Join(s.root, id)
		if err := os.Mkdir(dir, 0o700); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", "", fmt.Errorf("creating trash entry: %w", err)
		}
		if err := os.Mkdir(filepath.Join(dir, payloadDir), 0o700); err != nil {
			_ = os.RemoveAll(dir)
			return "", "", fmt.Errorf("creating trash payload dir: %w", err)
		}
		return id, dir, nil
	}
	return "", "", errors.New("could not allocate a unique trash id")
}

func (s *Store) overlapsRoot(abs string) bool {
	within := func(child, parent string) bool {
		rel, err := filepath.Rel(parent, child)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}
	return within(abs, s.root) || within(s.root, abs)
}

func (s *Store) permanentAllowed() bool {
	p := s.policies.Current()
	return p != nil && p.Recovery != nil && p.Recovery.PermanentDelete
}

// Restore moves an entry back to its original path and returns where it
// landed. An occupied original path is never overwritten; the entry is
// restored beside it under a suffixed name.
func (s *Store) Restore(ctx context.Context, id, actor string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: trash id %q", ErrNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, id)
	entry, err := readEntry(dir)
	if err != nil {
		return "", err
	}
	if !entry.Recoverable {
		return "", fmt.Errorf("%w: trash entry %s is not recoverable", ErrPolicy, id)
	}
	payload := filepath.Join(dir, payloadDir, entry.Name)
	if !exists(payload) {
		return "", fmt.Errorf("%w: payload for %s", ErrNotFound, id)
	}

	now := s.now().UTC()
	if err := os.MkdirAll(filepath.Dir(entry.OriginalPath), 0o755); err != nil {
		return "", fmt.Errorf("recreating parent of %s: %w", entry.OriginalPath, err)
	}
	// movePath never replaces; a path taken after the exists check moves on
	// to the next free suffix.
	target := entry.OriginalPath
	for attempt := 0; ; attempt++ {
		if attempt > 0 || exists(target) {
			target = conflictPath(entry.OriginalPath, now)
		}
		err := movePath(payload, target)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || attempt >= maxRestoreAttempts {
			return "", fmt.Errorf("restoring %s: %w", id, err)
		}
	}

	entry.RestoredAt = &now
	entry.RestoredTo = target
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), entry); err != nil {
		log.Error().Err(err).Str("trash_id", id).Msg("restored but metadata update failed")
	}
	s.journalLocked(indexRecord{Event: "restored", TrashID: id, At: now, Actor: actor, Entry: entry})
	trashOps.WithLabelValues("restored").Inc()
	log.Info().Str("trash_id", id).Str("restored_to", target).Msg("restored from trash")
	s.record(ctx, actor, models.EventRestored, entry, "ok")
	return target, nil
}

// conflictPath returns <stem>_restored_<unix><ext> beside path, adding _<n>
// until the name is free.
func conflictPath(path string, now time.Time) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	candidate := filepath.Join(dir, fmt.Sprintf("%s_restored_%d%s", stem, now.Unix(), ext))
	for n := 1; exists(candidate); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_restored_%d_%s%s", stem, now.Unix(), strconv.Itoa(n), ext))
	}
	return candidate
}

// Get returns one entry.
func (s *Store) Get(id string) (models.TrashEntry, error) {
	if !validID(id) {
		return models.TrashEntry{}, fmt.Errorf("%w: trash id %q", ErrNotFound, id)
	}
	e, err := readEntry(filepath.Join(s.root, id))
	if err != nil {
		return models.TrashEntry{}, err
	}
	return *e, nil
}

// List returns all entries newest first, read from disk on every call.
func (s *Store) List(ctx context.Context) ([]models.TrashEntry, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading trash root: %w", err)
	}
	entries := make([]models.TrashEntry, 0, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() || !validID(d.Name()) {
			continue
		}
		e, err := readEntry(filepath.Join(s.root, d.Name()))
		if err != nil {
			// Entries being created or erased concurrently are skipped.
			if !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("trash_id", d.Name()).Msg("unreadable trash entry")
			}
			continue
		}
		entries = append(entries, *e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].DeletedAt.After(entries[j].DeletedAt) })
	return entries, nil
}

// Empty erases entries deleted at or before olderThanDays ago and returns
// how many were erased. A nil olderThanDays uses the policy retention.
// Entries that cannot be erased are logged and skipped.
func (s *Store) Empty(ctx context.Context, olderThanDays *int, actor string) (int, error) {
	days := s.RetentionDays()
	if olderThanDays != nil {
		days = *olderThanDays
	}
	if days < 0 {
		return 0, fmt.Errorf("older_than_days must be >= 0, got %d", days)
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	erased := 0
	for i := range entries {
		e := &entries[i]
		if e.DeletedAt.After(cutoff) {
			continue
		}
		if err := s.erase(e.TrashID); err != nil {
			log.Error().Err(err).Str("trash_id", e.TrashID).Msg("could not erase trash entry")
			continue
		}
		erased++
		s.journal(indexRecord{Event: "erased", TrashID: e.TrashID, At: s.now().UTC(), Actor: actor})
		trashOps.WithLabelValues("erased").Inc()
		s.record(ctx, actor, models.EventErased, e, "ok")
	}
	log.Info().Int("erased", erased).Int("older_than_days", days).Msg("trash emptied")
	return erased, nil
}

func (s *Store) erase(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.root, id))
}

// RetentionDays returns the policy's retention, or the default without a policy.
func (s *Store) RetentionDays() int {
	if p := s.policies.Current(); p != nil && p.Recovery != nil {
		return p.Recovery.TrashRetentionDays
	}
	return defaultRetentionDays
}

func readEntry(dir string) (*models.TrashEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: trash entry %s", ErrNotFound, filepath.Base(dir))
	}
	if err != nil {
		return nil, err
	}
	var e models.TrashEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Join(dir, metadataFile), err)
	}
	return &e, nil
}

func (s *Store) journal(rec indexRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journalLocked(rec)
}

func (s *Store) journalLocked(rec indexRecord) {
	if err := appendJSONL(filepath.Join(s.root, indexFile), rec); err != nil {
		log.Error().Err(err).Str("trash_id", rec.TrashID).Msg("trash index append failed")
	}
}

func (s *Store) record(ctx context.Context, actor, event string, e *models.TrashEntry, outcome string) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{
		"trash_id":   e.TrashID,
		"size_bytes": e.SizeBytes,
		"permanent":  e.Permanent,
	}
	if e.RestoredTo != "" {
		meta["restored_to"] = e.RestoredTo
	}
	s.audit.Record(ctx, &models.AuditEntry{
		Actor:    actor,
		Event:    event,
		Kind:     models.OpDelete,
		Target:   e.OriginalPath,
		Outcome:  outcome,
		Metadata: meta,
	})
}
