// Package biofs stores uploaded biological data files with a JSON metadata
// sidecar, and serves line-oriented reads and searches over them.
package biofs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/biomcp/internal/cachemanager"
	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/watcher"
)

const (
	metadataFile = "metadata.json"

	// uploadTimeLayout sorts lexicographically in time order.
	uploadTimeLayout = "2006-01-02T15:04:05.000000"

	DefaultMaxLines   = 1000
	DefaultMaxMatches = 100
)

// ErrNotFound is returned for unknown file ids.
var ErrNotFound = errors.New("file not found")

// FileMetadata describes one stored file.
type FileMetadata struct {
	Filename       string         `json:"filename"`
	FileID         string         `json:"file_id"`
	Size           int            `json:"size"`
	FileType       string         `json:"file_type"`
	UploadTime     string         `json:"upload_time"`
	Checksum       string         `json:"checksum"`
	BioType        string         `json:"bio_type"`
	AdditionalInfo AdditionalInfo `json:"additional_info"`
}

// FileEntry is one row of List.
type FileEntry struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	Size       int    `json:"size"`
	BioType    string `json:"bio_type"`
	UploadTime string `json:"upload_time"`
	Summary    string `json:"summary"`
}

// FileInfo is the detailed view returned by Info.
type FileInfo struct {
	FileMetadata
	Summary string `json:"summary"`
}

// Match is one line matched by Search.
type Match struct {
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
	Match      string `json:"match"`
}

// Option configures a Store.
type Option func(*Store)

// WithFallbackDir sets the directory used when the base directory cannot
// be created.
func WithFallbackDir(dir string) Option {
	return func(s *Store) {
		s.fallbackDir = dir
	}
}

// WithCacheTTL sets how long file lines stay cached. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.cacheTTL = ttl
	}
}

// WithClock overrides the upload timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a directory of bio files indexed by metadata.json.
type Store struct {
	baseDir     string
	fallbackDir string
	cacheTTL    time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	metadata map[string]FileMetadata

	lines *cachemanager.Loader[string, []string]

	watchMu sync.Mutex
	watch   *watcher.Watcher
}

// New opens or creates a store at baseDir. If baseDir cannot be created
// the fallback directory (~/.bio_mcp_data by default) is used instead.
func New(baseDir string, opts ...Option) (*Store, error) {
	s := &Store{
		baseDir:     baseDir,
		fallbackDir: config.DefaultDataDir(),
		cacheTTL:    cachemanager.DefaultExpiration,
		now:         time.Now,
		metadata:    make(map[string]FileMetadata),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.baseDir == "" {
		s.baseDir = s.fallbackDir
	}
	if err := os.MkdirAll(s.baseDir, 0o750); err != nil {
		log.Warn(log.CatBioFS, "Using fallback data directory", "wanted", s.baseDir, "fallback", s.fallbackDir, "error", err)
		s.baseDir = s.fallbackDir
		if err := os.MkdirAll(s.baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	for _, sub := range []string{"structures", "sequences", "analysis", "visualizations"} {
		if err := os.MkdirAll(filepath.Join(s.baseDir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", sub, err)
		}
	}

	cache := cachemanager.NewInMemoryCacheManager[string, []string]("biofs-lines", s.cacheTTL, cachemanager.DefaultCleanupInterval)
	s.lines = cachemanager.NewLoader(cache, s.cacheTTL, s.cacheTTL <= 0, s.loadLines)

	if err := s.reload(); err != nil {
		return nil, err
	}
	log.Info(log.CatBioFS, "Bio file store opened", "dir", s.baseDir, "files", len(s.metadata))
	return s, nil
}

// BaseDir returns the directory holding the store.
func (s *Store) BaseDir() string { return s.baseDir }

// AnalysisDir is where analysis outputs are written.
func (s *Store) AnalysisDir() string { return filepath.Join(s.baseDir, "analysis") }

// VisualizationDir is where rendered images are written.
func (s *Store) VisualizationDir() string { return filepath.Join(s.baseDir, "visualizations") }

func (s *Store) metadataPath() string { return filepath.Join(s.baseDir, metadataFile) }

// reload replaces the in-memory metadata with the sidecar's contents.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.metadataPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}

	meta := make(map[string]FileMetadata)
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("parsing metadata: %w", err)
	}

	s.mu.Lock()
	s.metadata = meta
	s.mu.Unlock()
	return nil
}

// saveLocked writes the sidecar atomically. Caller holds s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	tmp, err := os.CreateTemp(s.baseDir, metadataFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing metadata: %w", err)
	}
	if err := os.Rename(tmpName, s.metadataPath()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing metadata: %w", err)
	}
	return nil
}

// filePath maps an id and bio type to its location on disk.
func (s *Store) filePath(id, bioType string) string {
	switch {
	case bioType == TypeStructure:
		return filepath.Join(s.baseDir, "structures", id+".pdb")
	case IsSequence(bioType):
		return filepath.Join(s.baseDir, "sequences", id+".fasta")
	case bioType == TypeSmallMolecule:
		return filepath.Join(s.baseDir, "structures", id+".sdf")
	default:
		return filepath.Join(s.baseDir, id+".dat")
	}
}

// FileID derives the id for an upload from its name and content.
func FileID(filename string, content []byte) string {
	sum := md5.Sum(content)
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return stem + "_" + hex.EncodeToString(sum[:])[:8]
}

// Upload stores content and records its metadata. Uploading identical
// content under the same name yields the same id and replaces the entry.
func (s *Store) Upload(filename string, content []byte) (string, error) {
	id := FileID(filename, content)
	text := strings.ToValidUTF8(string(content), "")
	bioType := DetectBioType(filename, text)

	path := s.filePath(id, bioType)
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return "", fmt.Errorf("writing %s: %w", filename, err)
	}

	var info AdditionalInfo
	switch {
	case bioType == TypeStructure:
		info = ExtractPDBInfo(text)
	case IsSequence(bioType):
		info = ExtractSequenceInfo(text)
	}

	sum := md5.Sum(content)
	meta := FileMetadata{
		Filename:       filename,
		FileID:         id,
		Size:           len(content),
		FileType:       strings.ToLower(filepath.Ext(filename)),
		UploadTime:     s.now().Format(uploadTimeLayout),
		Checksum:       hex.EncodeToString(sum[:]),
		BioType:        bioType,
		AdditionalInfo: info,
	}

	s.mu.Lock()
	s.metadata[id] = meta
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	_ = s.lines.Invalidate(context.Background(), id)
	log.Info(log.CatBioFS, "File uploaded", "file_id", id, "bio_type", bioType, "size", len(content))
	return id, nil
}

// Metadata returns the stored metadata for id.
func (s *Store) Metadata(id string) (FileMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[id]
	return m, ok
}

// Path returns the on-disk path of id. It reports false when the id is
// unknown or its file has been removed.
func (s *Store) Path(id string) (string, bool) {
	meta, ok := s.Metadata(id)
	if !ok {
		return "", false
	}
	path := s.filePath(id, meta.BioType)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// List returns files of bioType, or all files when bioType is empty,
// newest first.
func (s *Store) List(bioType string) []FileEntry {
	s.mu.RLock()
	entries := make([]FileEntry, 0, len(s.metadata))
	for id, m := range s.metadata {
		if bioType != "" && m.BioType != bioType {
			continue
		}
		entries = append(entries, FileEntry{
			FileID:     id,
			Filename:   m.Filename,
			Size:       m.Size,
			BioType:    m.BioType,
			UploadTime: m.UploadTime,
			Summary:    Summary(m),
		})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UploadTime != entries[j].UploadTime {
			return entries[i].UploadTime > entries[j].UploadTime
		}
		return entries[i].FileID < entries[j].FileID
	})
	return entries
}

// Info returns the detailed view of id.
func (s *Store) Info(id string) (FileInfo, bool) {
	meta, ok := s.Metadata(id)
	if !ok {
		return FileInfo{}, false
	}
	return FileInfo{FileMetadata: meta, Summary: Summary(meta)}, true
}

func (s *Store) loadLines(_ context.Context, id string) ([]string, error) {
	path, ok := s.Path(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines, nil
}

// ReadLines returns up to max lines of id starting at the zero-based line
// start. It reports false when the file is unknown or unreadable.
func (s *Store) ReadLines(id string, start, max int) (string, bool) {
	lines, err := s.lines.Get(context.Background(), id)
	if err != nil {
		log.Debug(log.CatBioFS, "Read failed", "file_id", id, "error", err)
		return "", false
	}
	if start < 0 {
		start = 0
	}
	if max <= 0 {
		max = DefaultMaxLines
	}
	if start >= len(lines) {
		return "", true
	}
	end := min(start+max, len(lines))
	return strings.Join(lines[start:end], ""), true
}

// Search returns lines of id matching pattern, case-insensitively, up to
// maxMatches. It reports false when the file is unknown. An invalid
// pattern is an error.
func (s *Store) Search(id, pattern string, maxMatches int) ([]Match, bool, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, true, fmt.Errorf("invalid search pattern: %w", err)
	}
	lines, err := s.lines.Get(context.Background(), id)
	if err != nil {
		return nil, false, nil
	}
	if maxMatches <= 0 {
		maxMatches = DefaultMaxMatches
	}

	var matches []Match
	for i, line := range lines {
		m := re.FindString(line)
		if m == "" && !re.MatchString(line) {
			continue
		}
		matches = append(matches, Match{LineNumber: i + 1, Content: strings.TrimSpace(line), Match: m})
		if len(matches) >= maxMatches {
			break
		}
	}
	return matches, true, nil
}

// Watch reloads metadata whenever another process rewrites the sidecar.
// It returns after the watch is established.
func (s *Store) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watch != nil {
		return nil
	}

	w, err := watcher.New(watcher.DefaultConfig(s.metadataPath()))
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}
	s.watch = w

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = s.Close()
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if err := s.reload(); err != nil {
					log.Warn(log.CatBioFS, "Metadata reload failed", "error", err)
					continue
				}
				_ = s.lines.Reset(context.Background())
				log.Debug(log.CatBioFS, "Metadata reloaded", "files", len(s.List("")))
			}
		}
	}()
	return nil
}

// Close stops any metadata watch.
func (s *Store) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watch == nil {
		return nil
	}
	err := s.watch.Stop()
	s.watch = nil
	return err
}
