// Package ingest watches the capture inbox, where the text-recognition
// service drops scanned scorecards as JSON files, and saves each capture
// through the data service like any other local write.
//
// Only *.json names are picked up. A file is handled once it has had no
// write events for the settle interval; a file that is still not valid JSON
// then is given until the incomplete grace period after its last
// modification before it is rejected, so producers writing in place are
// not cut off mid-write. Writing under a temporary name and renaming is
// still the fastest path.
package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
)

const (
	processedDirName = "processed"
	rejectedDirName  = "rejected"

	DefaultSettleInterval  = 100 * time.Millisecond
	DefaultIncompleteGrace = 10 * time.Second
)

// Saver stores a captured entity. *services.DataService satisfies it.
type Saver interface {
	Save(ctx context.Context, collection string, e models.Entity) (models.Entity, error)
}

// Capture is the content of one inbox file.
type Capture struct {
	Collection string        `json:"collection"`
	Entity     models.Entity `json:"entity"`
}

// Outcome reports what happened to one inbox file.
type Outcome struct {
	File       string `json:"file"`
	Collection string `json:"collection,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Err        error  `json:"-"`
}

// Inbox watches a directory for capture files.
type Inbox struct {
	dir          string
	processedDir string
	rejectedDir  string
	saver        Saver

	settle time.Duration
	grace  time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	handler func(Outcome)
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithSettleInterval sets how long a file must be quiet before it is handled.
func WithSettleInterval(d time.Duration) Option {
	return func(in *Inbox) { in.settle = d }
}

// WithIncompleteGrace sets how long after its last modification a file that
// is not valid JSON is left for its writer to finish.
func WithIncompleteGrace(d time.Duration) Option {
	return func(in *Inbox) { in.grace = d }
}

// NewInbox creates the inbox directory and its processed/ and rejected/
// subdirectories.
func NewInbox(dir string, saver Saver, opts ...Option) (*Inbox, error) {
	in := &Inbox{
		dir:          dir,
		processedDir: filepath.Join(dir, processedDirName),
		rejectedDir:  filepath.Join(dir, rejectedDirName),
		saver:        saver,
		settle:       DefaultSettleInterval,
		grace:        DefaultIncompleteGrace,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.settle <= 0 {
		in.settle = DefaultSettleInterval
	}
	for _, d := range []string{in.dir, in.processedDir, in.rejectedDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory %s: %w", d, err)
		}
	}
	return in, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// SetHandler registers fn to be called after each file is handled.
func (in *Inbox) SetHandler(fn func(Outcome)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handler = fn
}

// Start processes files already waiting in the inbox, then watches for new
// ones until Stop or ctx cancellation.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return fmt.Errorf("inbox watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch inbox %s: %w", in.dir, err)
	}

	in.watcher = watcher
	in.done = make(chan struct{})
	in.running = true
	in.wg.Add(1)
	go in.processEvents(ctx, watcher, in.done)

	logging.Info("Capture inbox started", map[string]interface{}{"dir": in.dir})
	return nil
}

// Stop stops watching and waits for the file being processed.
func (in *Inbox) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = false
	close(in.done)
	watcher := in.watcher
	in.mu.Unlock()

	err := watcher.Close()
	in.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (in *Inbox) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

func (in *Inbox) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer in.wg.Done()

	// path -> time of the last event seen for it
	pending := make(map[string]time.Time)
	if err := in.queueWaiting(pending); err != nil {
		logging.Error("Initial inbox scan failed", err, map[string]interface{}{"dir": in.dir})
	}

	ticker := time.NewTicker(in.settle)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !in.accepts(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case <-ticker.C:
			in.processPending(ctx, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Inbox watcher error", err)
		}
	}
}

// queueWaiting marks files already in the inbox as due.
func (in *Inbox) queueWaiting(pending map[string]time.Time) error {
	names, err := in.waiting()
	if err != nil {
		return err
	}
	for _, name := range names {
		pending[filepath.Join(in.dir, name)] = time.Time{}
	}
	return nil
}

// processPending handles every queued file that has been quiet for the
// settle interval, in name order.
func (in *Inbox) processPending(ctx context.Context, pending map[string]time.Time) {
	now := time.Now()
	var due []string
	for path, last := range pending {
		if now.Sub(last) >= in.settle {
			due = append(due, path)
		}
	}
	sort.Strings(due)

	for _, path := range due {
		if ctx.Err() != nil {
			return
		}
		if in.stillWriting(path, now) {
			pending[path] = now
			continue
		}
		delete(pending, path)
		in.handle(ctx, path)
	}
}

// stillWriting reports whether path holds incomplete JSON and was modified
// within the grace period.
func (in *Inbox) stillWriting(path string, now time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if now.Sub(info.ModTime()) >= in.grace {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return !json.Valid(data)
}

// waiting lists the capture files in the inbox, in name order.
func (in *Inbox) waiting() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox %s: %w", in.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && in.accepts(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Scan processes every capture file currently in the inbox, in name order,
// without waiting for writers to settle.
func (in *Inbox) Scan(ctx context.Context) ([]Outcome, error) {
	names, err := in.waiting()
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if outcome, ok := in.handle(ctx, filepath.Join(in.dir, name)); ok {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nil
}

// handle processes one file and reports it. Files that vanished before
// they could be read were already handled and are skipped.
func (in *Inbox) handle(ctx context.Context, path string) (Outcome, bool) {
	outcome, err := in.ProcessFile(ctx, path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return Outcome{}, false
	}

	in.mu.Lock()
	fn := in.handler
	in.mu.Unlock()
	if fn != nil {
		fn(outcome)
	}
	return outcome, true
}

// ProcessFile saves the capture at path and moves the file to processed/,
// or to rejected/ with a .error note when it cannot be saved.
func (in *Inbox) ProcessFile(ctx context.Context, path string) (Outcome, error) {
	outcome := Outcome{File: filepath.Base(path)}

	data, err := os.ReadFile(path)
	if err != nil {
		return outcome, err
	}

	saved, err := in.save(ctx, data, &outcome)
	if err != nil {
		outcome.Err = err
		logging.ErrorWithCode("Capture rejected", string(errors.CodeOf(err)), err, map[string]interface{}{
			"file": outcome.File,
		})
		if moveErr := in.reject(path, err); moveErr != nil {
			logging.Error("Failed to move rejected capture", moveErr, map[string]interface{}{"file": outcome.File})
		}
		return outcome, nil
	}

	outcome.EntityID = saved.ID()
	if err := os.Rename(path, filepath.Join(in.processedDir, outcome.File)); err != nil {
		// Saved, but left in place: a rescan would save it again.
		logging.Error("Failed to move processed capture", err, map[string]interface{}{"file": outcome.File})
	}
	logging.Info("Capture saved", map[string]interface{}{
		"file":       outcome.File,
		"collection": outcome.Collection,
		"entity_id":  outcome.EntityID,
	})
	return outcome, nil
}

func (in *Inbox) save(ctx context.Context, data []byte, outcome *Outcome) (models.Entity, error) {
	var capture Capture
	if err := json.Unmarshal(data, &capture); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decode capture", err)
	}
	outcome.Collection = capture.Collection
	if capture.Collection == "" {
		return nil, errors.New(errors.ErrInvalid, "capture has no collection")
	}
	if capture.Entity == nil {
		return nil, errors.New(errors.ErrInvalid, "capture has no entity")
	}
	return in.saver.Save(ctx, capture.Collection, capture.Entity)
}

func (in *Inbox) reject(path string, cause error) error {
	target := filepath.Join(in.rejectedDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return err
	}
	return os.WriteFile(target+".error", []byte(cause.Error()+"\n"), 0644)
}

func (in *Inbox) accepts(path string) bool {
	name := filepath.Base(path)
	if filepath.Dir(path) != "." && filepath.Clean(filepath.Dir(path)) != filepath.Clean(in.dir) {
		return false
	}
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
