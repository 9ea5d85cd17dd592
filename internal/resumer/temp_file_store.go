package resumer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/recallio/recall/internal/tempfiles"
)

const (
	captureFilePrefix = "recall-response-"
	captureFileSuffix = ".chunks"

	locatorTTL          = 10 * time.Second
	locatorRefreshEvery = 5 * time.Second

	replayChanDepth = 64
	replayPoll      = 25 * time.Millisecond
	replayMaxRead   = 1 << 20
)

// Store records in-flight response chunks into local temp files so a
// disconnected client can replay them. The locator store makes the recordings
// findable across replicas; lookups that land on the wrong replica get the
// owner's address back instead of a stream.
type Store struct {
	dir       string
	retention time.Duration
	locators  LocatorStore

	mu      sync.Mutex
	live    map[string]*capture
	retired []retiredFile
}

// capture is one recording: an append-only chunk file plus its cursor state.
type capture struct {
	convID string
	path   string

	mu     sync.Mutex
	file   *os.File
	size   int64
	done   bool
	doneAt time.Time

	cancelled   chan struct{}
	cancelOnce  sync.Once
	stopRefresh chan struct{}
	stopOnce    sync.Once
}

// retiredFile is a capture file displaced by a newer recording for the same
// conversation. It stays on disk until retention passes so in-flight replays
// keep their data.
type retiredFile struct {
	path string
	at   time.Time
}

// Recorder appends chunks to one capture. Complete is idempotent.
type Recorder struct {
	store *Store
	rec   *capture
	once  sync.Once
}

func NewTempFileStore(tempDir string, retention time.Duration, locators LocatorStore) *Store {
	if strings.TrimSpace(tempDir) == "" {
		tempDir = os.TempDir()
	}
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	if locators == nil {
		locators = noopLocatorStore{}
	}
	s := &Store{
		dir:       tempDir,
		retention: retention,
		locators:  locators,
		live:      map[string]*capture{},
	}
	s.sweepLeftoverFiles()
	return s
}

// HasResponseInProgress reports whether any replica is recording for the
// conversation: this replica via the live map, others via their locator entry.
func (s *Store) HasResponseInProgress(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	s.expireLocked(time.Now())
	rec := s.live[conversationID]
	s.mu.Unlock()

	if rec != nil {
		_, done := rec.snapshot()
		if !done {
			return true, nil
		}
		// A finished local capture has already dropped its locator entry.
		return false, nil
	}
	if s.locators.Available() {
		return s.locators.Exists(ctx, conversationID)
	}
	return false, nil
}

// Check filters the given conversation ids down to those with an active
// recording somewhere in the deployment.
func (s *Store) Check(ctx context.Context, conversationIDs []string) ([]string, error) {
	active := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		inProgress, err := s.HasResponseInProgress(ctx, id)
		if err != nil {
			return nil, err
		}
		if inProgress {
			active = append(active, id)
		}
	}
	return active, nil
}

// RecorderWithAddress opens a new capture for the conversation and claims it
// in the locator store under the advertised address. A still-open capture for
// the same conversation is finished first; its file is retired, not deleted,
// so replays that already started keep reading.
func (s *Store) RecorderWithAddress(ctx context.Context, conversationID string, advertisedAddress string) (*Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	if prev, ok := s.live[conversationID]; ok {
		if err := s.finishLocked(ctx, prev); err != nil {
			return nil, err
		}
		s.retired = append(s.retired, retiredFile{path: prev.path, at: time.Now()})
		delete(s.live, conversationID)
	}

	file, err := tempfiles.Create(s.dir, captureFilePrefix+"*"+captureFileSuffix)
	if err != nil {
		return nil, err
	}
	rec := &capture{
		convID:      conversationID,
		path:        file.Name(),
		file:        file,
		cancelled:   make(chan struct{}),
		stopRefresh: make(chan struct{}),
	}
	s.live[conversationID] = rec

	if s.locators.Available() {
		locator := locatorFor(advertisedAddress, filepath.Base(rec.path))
		if err := s.locators.Upsert(ctx, conversationID, locator, locatorTTL); err != nil {
			return nil, err
		}
		go s.refreshLocator(rec, locator)
	}
	return &Recorder{store: s, rec: rec}, nil
}

// ReplayWithAddress streams the capture for the conversation from the start.
// When the locator says another replica owns it, the owner's address comes
// back instead of a channel. No capture anywhere yields a closed empty
// channel.
func (s *Store) ReplayWithAddress(ctx context.Context, conversationID string, advertisedAddress string) (<-chan string, string, error) {
	if s.locators.Available() && strings.TrimSpace(advertisedAddress) != "" {
		locator, err := s.locators.Get(ctx, conversationID)
		if err != nil {
			return nil, "", err
		}
		if locator != nil && !locator.MatchesAddress(advertisedAddress) {
			return nil, locator.Address(), nil
		}
	}

	s.mu.Lock()
	s.expireLocked(time.Now())
	rec := s.live[conversationID]
	s.mu.Unlock()

	if rec == nil {
		ch := make(chan string)
		close(ch)
		return ch, "", nil
	}
	ch := make(chan string, replayChanDepth)
	go streamCapture(ctx, rec, ch)
	return ch, "", nil
}

// RequestCancelWithAddress flags the active capture as cancelled. The recorder
// notices through CancelStream and stops ingesting. Redirects like replay when
// another replica owns the recording.
func (s *Store) RequestCancelWithAddress(ctx context.Context, conversationID string, advertisedAddress string) (string, error) {
	if s.locators.Available() && strings.TrimSpace(advertisedAddress) != "" {
		locator, err := s.locators.Get(ctx, conversationID)
		if err != nil {
			return "", err
		}
		if locator != nil && !locator.MatchesAddress(advertisedAddress) {
			return locator.Address(), nil
		}
	}

	s.mu.Lock()
	rec := s.live[conversationID]
	s.mu.Unlock()
	if rec != nil {
		rec.cancelOnce.Do(func() { close(rec.cancelled) })
	}
	return "", nil
}

// CancelStream returns a channel that closes when the conversation's active
// recording is cancelled. With no active recording the channel is already
// closed.
func (s *Store) CancelStream(_ context.Context, conversationID string) (<-chan struct{}, error) {
	s.mu.Lock()
	rec := s.live[conversationID]
	s.mu.Unlock()
	if rec == nil {
		ch := make(chan struct{})
		close(ch)
		return ch, nil
	}
	return rec.cancelled, nil
}

// Record appends one chunk. Chunks arriving after Complete are dropped.
func (r *Recorder) Record(chunk string) error {
	if chunk == "" {
		return nil
	}
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	if r.rec.done || r.rec.file == nil {
		return nil
	}
	n, err := io.WriteString(r.rec.file, chunk)
	if err != nil {
		return err
	}
	r.rec.size += int64(n)
	return nil
}

func (r *Recorder) Complete() error {
	var err error
	r.once.Do(func() {
		s := r.store
		s.mu.Lock()
		defer s.mu.Unlock()
		err = s.finishLocked(context.Background(), r.rec)
	})
	return err
}

// finishLocked seals a capture: the file closes, the locator entry goes away,
// replayers drain whatever was written and stop. Callers hold s.mu.
func (s *Store) finishLocked(ctx context.Context, rec *capture) error {
	rec.mu.Lock()
	if rec.done {
		rec.mu.Unlock()
		return nil
	}
	rec.done = true
	rec.doneAt = time.Now()
	file := rec.file
	rec.file = nil
	rec.mu.Unlock()

	rec.stopOnce.Do(func() { close(rec.stopRefresh) })

	if s.locators.Available() {
		if err := s.locators.Remove(ctx, rec.convID); err != nil {
			return err
		}
	}
	if file != nil {
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

// refreshLocator re-asserts ownership until the capture finishes. The short
// TTL means a replica that dies mid-recording stops claiming the conversation
// within seconds.
func (s *Store) refreshLocator(rec *capture, locator Locator) {
	ticker := time.NewTicker(locatorRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-rec.stopRefresh:
			return
		case <-ticker.C:
			if _, done := rec.snapshot(); done {
				return
			}
			_ = s.locators.Upsert(context.Background(), rec.convID, locator, locatorTTL)
		}
	}
}

func (c *capture) snapshot() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.done
}

// streamCapture tails the capture file into out, chasing the writer until the
// capture is done and fully drained. Reads go through a private descriptor so
// retiring or expiring the file cannot disturb an in-flight replay.
func streamCapture(ctx context.Context, rec *capture, out chan<- string) {
	defer close(out)

	file, err := os.Open(rec.path)
	if err != nil {
		return
	}
	defer file.Close()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		size, done := rec.snapshot()
		if size > offset {
			chunk, err := readSlice(file, offset, size)
			if err != nil {
				return
			}
			offset += int64(len(chunk))
			if len(chunk) > 0 {
				select {
				case <-ctx.Done():
					return
				case out <- string(chunk):
				}
			}
			continue
		}
		if done {
			return
		}
		time.Sleep(replayPoll)
	}
}

// readSlice reads file bytes in [from, to), capped so one send never carries
// more than replayMaxRead.
func readSlice(file *os.File, from, to int64) ([]byte, error) {
	length := to - from
	if length <= 0 {
		return nil, nil
	}
	if length > replayMaxRead {
		length = replayMaxRead
	}
	buf := make([]byte, length)
	n, err := file.ReadAt(buf, from)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read response capture: %w", err)
	}
	return buf[:n], nil
}

// expireLocked drops finished captures and retired files once they outlive the
// retention window. Callers hold s.mu.
func (s *Store) expireLocked(now time.Time) {
	if s.retention <= 0 {
		return
	}
	for convID, rec := range s.live {
		rec.mu.Lock()
		done := rec.done
		doneAt := rec.doneAt
		path := rec.path
		rec.mu.Unlock()
		if !done || now.Sub(doneAt) < s.retention {
			continue
		}
		delete(s.live, convID)
		if path != "" {
			_ = os.Remove(path)
		}
	}

	keep := s.retired[:0]
	for _, rf := range s.retired {
		if now.Sub(rf.at) < s.retention {
			keep = append(keep, rf)
			continue
		}
		_ = os.Remove(rf.path)
	}
	s.retired = keep
}

// sweepLeftoverFiles clears capture files stranded by a previous process.
func (s *Store) sweepLeftoverFiles() {
	if s.retention <= 0 {
		return
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.retention)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, captureFilePrefix) || !strings.HasSuffix(name, captureFileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}
}
