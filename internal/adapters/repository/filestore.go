package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okian/lookout/internal/domain/model"
)

const (
	tmpDir        = ".tmp"
	lockFile      = ".lock"
	rawPrefix     = "raw_"
	compactPrefix = "compact_"
	recordExt     = ".json"
	dirPerm       = 0o755
)

// FileStore keeps one JSON file per record under <dir>/{recent,compact,processed}.
// File names encode timestamps so range listings filter on names before
// decoding. Records are written to <dir>/.tmp and then linked into place, so
// a listing only ever sees complete files.
type FileStore struct {
	dir   string
	fsync bool

	// mu serializes mutations. Reads go straight to the directory. Compact
	// appends also hold the directory lock against other processes.
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{string(model.TierRecent), string(model.TierCompact), string(model.TierProcessed), tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrStorage, sub, err)
		}
	}
	// Leftovers of interrupted writes were never linked into a tier.
	leftovers, err := os.ReadDir(s.path(tmpDir))
	if err != nil {
		return nil, fmt.Errorf("%w: read tmp: %w", ErrStorage, err)
	}
	for _, e := range leftovers {
		_ = os.Remove(s.path(tmpDir, e.Name()))
	}
	return s, nil
}

func (s *FileStore) path(parts ...string) string {
	return filepath.Join(append([]string{s.dir}, parts...)...)
}

func rawFileName(ts time.Time, id string) string {
	return fmt.Sprintf("%s%d_%s%s", rawPrefix, ts.UnixNano(), id, recordExt)
}

func parseRawName(name string) (time.Time, string, bool) {
	body, ok := strings.CutPrefix(name, rawPrefix)
	if !ok {
		return time.Time{}, "", false
	}
	body, ok = strings.CutSuffix(body, recordExt)
	if !ok {
		return time.Time{}, "", false
	}
	nanos, id, ok := strings.Cut(body, "_")
	if !ok || id == "" {
		return time.Time{}, "", false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, n).UTC(), id, true
}

func compactFileName(w model.Window) string {
	return fmt.Sprintf("%s%d_%d%s", compactPrefix, w.Start.UnixNano(), w.End.UnixNano(), recordExt)
}

func parseCompactName(name string) (model.Window, bool) {
	body, ok := strings.CutPrefix(name, compactPrefix)
	if !ok {
		return model.Window{}, false
	}
	body, ok = strings.CutSuffix(body, recordExt)
	if !ok {
		return model.Window{}, false
	}
	startStr, endStr, ok := strings.Cut(body, "_")
	if !ok {
		return model.Window{}, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return model.Window{}, false
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return model.Window{}, false
	}
	return model.Window{Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()}, true
}

// writeRecord writes data to a temp file and links it to tier/name. Linking
// fails if the target exists, which makes the write a create-only CAS.
func (s *FileStore) writeRecord(tier, name string, data []byte) error {
	f, err := os.CreateTemp(s.path(tmpDir), "record-*"+recordExt)
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrStorage, err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %w", ErrStorage, name, err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: sync %s: %w", ErrStorage, name, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrStorage, name, err)
	}
	if err := os.Link(tmp, s.path(tier, name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: link %s: %w", ErrStorage, name, err)
	}
	return nil
}

// findRaw returns the file names holding id in the given tier.
func (s *FileStore) findRaw(tier, id string) ([]string, error) {
	matches, err := filepath.Glob(s.path(tier, rawPrefix+"*_"+id+recordExt))
	if err != nil {
		return nil, fmt.Errorf("%w: glob: %w", ErrStorage, err)
	}
	out := matches[:0]
	for _, m := range matches {
		if _, got, ok := parseRawName(filepath.Base(m)); ok && got == id {
			out = append(out, filepath.Base(m))
		}
	}
	return out, nil
}

func (s *FileStore) AppendRaw(_ context.Context, obs model.RawObservation) error {
	if err := validateRaw(&obs); err != nil {
		return err
	}
	defer observeWrite("append_raw", time.Now())
	obs.Timestamp = obs.Timestamp.UTC()

	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorage, obs.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tier := range []model.Tier{model.TierRecent, model.TierProcessed} {
		found, err := s.findRaw(string(tier), obs.ID)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			return fmt.Errorf("%w: raw observation %s", ErrAlreadyExists, obs.ID)
		}
	}
	if err := s.writeRecord(string(model.TierRecent), rawFileName(obs.Timestamp, obs.ID), data); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: raw observation %s", ErrAlreadyExists, obs.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) ListRaw(ctx context.Context, since, until time.Time) iter.Seq2[model.RawObservation, error] {
	return s.listRaw(ctx, model.TierRecent, since, until)
}

func (s *FileStore) ListArchived(ctx context.Context, since, until time.Time) iter.Seq2[model.RawObservation, error] {
	return s.listRaw(ctx, model.TierProcessed, since, until)
}

type rawEntry struct {
	ts   time.Time
	id   string
	name string
}

func (s *FileStore) listRaw(ctx context.Context, tier model.Tier, since, until time.Time) iter.Seq2[model.RawObservation, error] {
	entries, err := os.ReadDir(s.path(string(tier)))
	if err != nil {
		return errSeq[model.RawObservation](fmt.Errorf("%w: list %s: %w", ErrStorage, tier, err))
	}
	var selected []rawEntry
	for _, e := range entries {
		ts, id, ok := parseRawName(e.Name())
		if !ok || !inRange(ts, since, until) {
			continue
		}
		selected = append(selected, rawEntry{ts: ts, id: id, name: e.Name()})
	}
	slices.SortFunc(selected, func(a, b rawEntry) int {
		return compareRaw(a.ts, a.id, b.ts, b.id)
	})

	return func(yield func(model.RawObservation, error) bool) {
		for _, e := range selected {
			if err := ctx.Err(); err != nil {
				yield(model.RawObservation{}, err)
				return
			}
			data, err := os.ReadFile(s.path(string(tier), e.name))
			if errors.Is(err, fs.ErrNotExist) {
				// Moved to another tier after the listing.
				continue
			}
			var obs model.RawObservation
			if err == nil {
				err = json.Unmarshal(data, &obs)
			}
			if err != nil {
				if !yield(model.RawObservation{}, fmt.Errorf("%w: read %s: %w", ErrStorage, e.name, err)) {
					return
				}
				continue
			}
			if !yield(obs, nil) {
				return
			}
		}
	}
}

func (s *FileStore) compactWindows() ([]model.Window, []string, error) {
	entries, err := os.ReadDir(s.path(string(model.TierCompact)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list compact: %w", ErrStorage, err)
	}
	var windows []model.Window
	var names []string
	for _, e := range entries {
		if w, ok := parseCompactName(e.Name()); ok {
			windows = append(windows, w)
			names = append(names, e.Name())
		}
	}
	return windows, names, nil
}

func (s *FileStore) AppendCompact(_ context.Context, summary model.CompactedSummary) error {
	if err := validateCompact(&summary); err != nil {
		return err
	}
	defer observeWrite("append_compact", time.Now())
	summary.StartTime = summary.StartTime.UTC()
	summary.EndTime = summary.EndTime.UTC()
	w := summary.Window()

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorage, summary.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockDir()
	if err != nil {
		return err
	}
	defer unlock()

	windows, _, err := s.compactWindows()
	if err != nil {
		return err
	}
	for _, existing := range windows {
		if existing.Overlaps(w) {
			return duplicateWindow(w, existing)
		}
	}
	if err := s.writeRecord(string(model.TierCompact), compactFileName(w), data); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return duplicateWindow(w, w)
		}
		return err
	}
	return nil
}

func duplicateWindow(w, existing model.Window) error {
	return fmt.Errorf("%w: [%s, %s) overlaps [%s, %s)", ErrDuplicateWindow,
		w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano),
		existing.Start.Format(time.RFC3339Nano), existing.End.Format(time.RFC3339Nano))
}

func (s *FileStore) ListCompact(ctx context.Context, since, until time.Time) iter.Seq2[model.CompactedSummary, error] {
	windows, names, err := s.compactWindows()
	if err != nil {
		return errSeq[model.CompactedSummary](err)
	}
	type entry struct {
		w    model.Window
		name string
	}
	var selected []entry
	for i, w := range windows {
		if overlapsRange(w, since, until) {
			selected = append(selected, entry{w: w, name: names[i]})
		}
	}
	slices.SortFunc(selected, func(a, b entry) int {
		if c := a.w.Start.Compare(b.w.Start); c != 0 {
			return c
		}
		return a.w.End.Compare(b.w.End)
	})

	return func(yield func(model.CompactedSummary, error) bool) {
		for _, e := range selected {
			if err := ctx.Err(); err != nil {
				yield(model.CompactedSummary{}, err)
				return
			}
			var cs model.CompactedSummary
			data, err := os.ReadFile(s.path(string(model.TierCompact), e.name))
			if err == nil {
				err = json.Unmarshal(data, &cs)
			}
			if err != nil {
				if !yield(model.CompactedSummary{}, fmt.Errorf("%w: read %s: %w", ErrStorage, e.name, err)) {
					return
				}
				continue
			}
			if !yield(cs, nil) {
				return
			}
		}
	}
}

func (s *FileStore) Archive(ctx context.Context, ids []string) error {
	defer observeWrite("archive", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !validID.MatchString(id) {
			return fmt.Errorf("%w: raw observation id %q", ErrInvalidRecord, id)
		}
		names, err := s.findRaw(string(model.TierRecent), id)
		if err != nil {
			return err
		}
		for _, name := range names {
			from := s.path(string(model.TierRecent), name)
			to := s.path(string(model.TierProcessed), name)
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("%w: archive %s: %w", ErrStorage, id, err)
			}
		}
	}
	return nil
}

func (s *FileStore) Counts(_ context.Context) (TierCounts, error) {
	var c TierCounts
	count := func(tier model.Tier, parse func(string) bool) (int, error) {
		entries, err := os.ReadDir(s.path(string(tier)))
		if err != nil {
			return 0, fmt.Errorf("%w: list %s: %w", ErrStorage, tier, err)
		}
		n := 0
		for _, e := range entries {
			if parse(e.Name()) {
				n++
			}
		}
		return n, nil
	}
	isRaw := func(name string) bool {
		_, _, ok := parseRawName(name)
		return ok
	}
	isCompact := func(name string) bool {
		_, ok := parseCompactName(name)
		return ok
	}

	var err error
	if c.Recent, err = count(model.TierRecent, isRaw); err != nil {
		return c, err
	}
	if c.Compact, err = count(model.TierCompact, isCompact); err != nil {
		return c, err
	}
	if c.Processed, err = count(model.TierProcessed, isRaw); err != nil {
		return c, err
	}
	return c, nil
}

// Close is a no-op; every write is already durable when it returns.
func (s *FileStore) Close() error { return nil }
