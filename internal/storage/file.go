package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"modbot/internal/schedule"
	logx "modbot/pkg/logx"
)

// FileStore keeps the schedule in one JSON document:
//
//	{"<subject>": <epoch seconds>, "<kind>:<subject>": <epoch seconds>}
//
// Subjects of schedule.KindUnmute are stored bare. Seconds are written with
// millisecond precision; integer and fractional values are both accepted.
//
// Every operation re-reads the document and, if it mutates, rewrites it
// (temp file, fsync, rename) while holding mu, so the disk copy is the single
// source of truth. The audit trail goes to <prefix>.audit.jsonl.
type FileStore struct {
	log  logx.Logger
	path string

	// readFile is os.ReadFile; tests replace it to inject read failures.
	readFile func(string) ([]byte, error)

	mu        sync.Mutex
	auditFile *os.File
	closed    bool
}

// OpenFile opens (or creates the directory for) a file-backed store.
func OpenFile(path string, log logx.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	auditPath := filepath.Join(dir, base+".audit.jsonl")
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &FileStore{log: log, path: path, readFile: os.ReadFile, auditFile: af}, nil
}

// Path returns the schedule document path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *FileStore) Add(ctx context.Context, e schedule.Entry) error {
	_ = ctx
	if strings.TrimSpace(e.Subject) == "" {
		return errors.New("storage: empty subject")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	doc, corrupt, err := s.readLocked()
	if err != nil {
		return err
	}
	doc[encodeKey(e.Key())] = encodeDue(e.DueAt)
	return s.writeLocked(doc, corrupt)
}

func (s *FileStore) Remove(ctx context.Context, k schedule.Key) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	doc, corrupt, err := s.readLocked()
	if err != nil {
		return err
	}
	key := encodeKey(k)
	if _, ok := doc[key]; !ok && !corrupt {
		return nil
	}
	delete(doc, key)
	return s.writeLocked(doc, corrupt)
}

func (s *FileStore) DueEntries(ctx context.Context, now time.Time) ([]schedule.Entry, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, e := range all {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

func (s *FileStore) LoadAll(ctx context.Context) ([]schedule.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	doc, _, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return decodeDoc(doc), nil
}

func (s *FileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// readLocked loads the document. A missing or blank file is an empty
// document; an undecodable one is logged and reported as corrupt. Any other
// read failure is returned as ErrIO so callers never overwrite a document
// they could not see.
func (s *FileStore) readLocked() (map[string]float64, bool, error) {
	doc := map[string]float64{}
	b, err := s.readFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return doc, false, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn("schedule document is corrupt; treating as empty",
			logx.String("path", s.path), logx.Err(fmt.Errorf("%w: %v", ErrCorrupt, err)))
		return map[string]float64{}, true, nil
	}
	if doc == nil {
		doc = map[string]float64{}
	}
	return doc, false, nil
}

// writeLocked atomically replaces the document. When the previous content
// was corrupt it is kept as <path>.corrupt for inspection.
func (s *FileStore) writeLocked(doc map[string]float64, healCorrupt bool) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}

	if healCorrupt {
		if err := os.Rename(s.path, s.path+".corrupt"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("could not keep corrupt schedule copy", logx.String("path", s.path), logx.Err(err))
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write schedule: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync schedule: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close schedule: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace schedule: %w", err)
	}
	if healCorrupt {
		s.log.Info("schedule document rewritten", logx.String("path", s.path), logx.Int("entries", len(doc)))
	}
	syncDir(filepath.Dir(s.path))
	return nil
}

// syncDir makes the rename durable. Not all platforms support it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func encodeKey(k schedule.Key) string {
	if k.Kind == "" || k.Kind == schedule.KindUnmute {
		return k.Subject
	}
	return string(k.Kind) + ":" + k.Subject
}

func decodeKey(raw string) schedule.Key {
	if i := strings.IndexByte(raw, ':'); i > 0 {
		return schedule.Key{Kind: schedule.Kind(raw[:i]), Subject: raw[i+1:]}
	}
	return schedule.Key{Kind: schedule.KindUnmute, Subject: raw}
}

func encodeDue(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func decodeDue(sec float64) time.Time {
	return time.UnixMilli(int64(math.Round(sec * 1000))).UTC()
}

func decodeDoc(doc map[string]float64) []schedule.Entry {
	out := make([]schedule.Entry, 0, len(doc))
	for raw, sec := range doc {
		k := decodeKey(raw)
		out = append(out, schedule.Entry{Kind: k.Kind, Subject: k.Subject, DueAt: decodeDue(sec)})
	}
	sortEntries(out)
	return out
}

func sortEntries(es []schedule.Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].DueAt.Equal(es[j].DueAt) {
			return es[i].DueAt.Before(es[j].DueAt)
		}
		return es[i].Key().String() < es[j].Key().String()
	})
}
