package observer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/planspec"
)

const (
	submittedDir = "submitted"
	rejectedDir  = "rejected"
)

// inboxNamespace scopes run IDs derived from inbox file names
var inboxNamespace = uuid.MustParse("6f1c0a52-3b8e-4d7a-9c1e-2a5b7d4e8f90")

// Submitter creates a run under a caller-chosen ID. Submitting an
// existing ID is a no-op.
type Submitter interface {
	SubmitWithID(ctx context.Context, runID string, spec domain.RunSpec) (string, error)
}

// RunIDForFile returns the run ID an inbox file is submitted under
func RunIDForFile(name string) string {
	return uuid.NewSHA1(inboxNamespace, []byte(filepath.Base(name))).String()
}

// Inbox watches a directory for YAML run specs and submits each one as a run.
// Submitted files move to submitted/, unparseable ones to rejected/.
type Inbox struct {
	dir       string
	submitter Submitter
	clock     func() time.Time
	debounce  time.Duration

	watcher *fsnotify.Watcher
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewInbox creates an inbox over dir, creating it if needed
func NewInbox(dir string, submitter Submitter) (*Inbox, error) {
	for _, d := range []string{dir, filepath.Join(dir, submittedDir), filepath.Join(dir, rejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating inbox dir: %w", err)
		}
	}
	return &Inbox{
		dir:       dir,
		submitter: submitter,
		clock:     time.Now,
		debounce:  500 * time.Millisecond,
		pending:   make(map[string]struct{}),
	}, nil
}

// SetDebounce sets how long the inbox waits for writes to settle
func (in *Inbox) SetDebounce(d time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.debounce = d
}

// Scan submits every spec file currently in the inbox and returns the run IDs
func (in *Inbox) Scan(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isSpecFile(e.Name()) {
			names = append(names, filepath.Join(in.dir, e.Name()))
		}
	}
	sort.Strings(names)

	var ids []string
	for _, name := range names {
		if id, ok := in.process(ctx, name); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Start submits files already present, then watches for new ones
func (in *Inbox) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", in.dir, err)
	}

	in.mu.Lock()
	in.watcher = watcher
	in.ctx, in.cancel = context.WithCancel(ctx)
	ctx = in.ctx
	in.mu.Unlock()

	if _, err := in.Scan(ctx); err != nil {
		log.Printf("inbox scan: %v", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				in.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("inbox watcher: %v", err)
			}
		}
	}()
	return nil
}

// Stop stops watching
func (in *Inbox) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		in.cancel()
	}
	if in.timer != nil {
		in.timer.Stop()
	}
	if in.watcher != nil {
		in.watcher.Close()
	}
}

func (in *Inbox) handleEvent(event fsnotify.Event) {
	if !isSpecFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	in.pending[event.Name] = struct{}{}
	if in.timer != nil {
		in.timer.Stop()
	}
	in.timer = time.AfterFunc(in.debounce, in.flush)
}

func (in *Inbox) flush() {
	in.mu.Lock()
	pending := in.pending
	in.pending = make(map[string]struct{})
	ctx := in.ctx
	in.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		in.process(ctx, name)
	}
}

// process submits one spec file and files it away
func (in *Inbox) process(ctx context.Context, path string) (string, bool) {
	if _, err := os.Stat(path); err != nil {
		// already moved by an earlier event
		return "", false
	}

	spec, err := planspec.ParseFile(path, in.clock())
	if err != nil {
		log.Printf("inbox: rejecting %s: %v", filepath.Base(path), err)
		in.move(path, rejectedDir)
		return "", false
	}

	runID, err := in.submitter.SubmitWithID(ctx, RunIDForFile(path), spec)
	if err != nil {
		if domain.IsExpected(err) || ctx.Err() != nil {
			// left in place for the next scan
			return "", false
		}
		log.Printf("inbox: rejecting %s: %v", filepath.Base(path), err)
		in.move(path, rejectedDir)
		return "", false
	}

	log.Printf("inbox: %s submitted as run %s", filepath.Base(path), runID)
	in.move(path, submittedDir)
	return runID, true
}

func (in *Inbox) move(path, sub string) {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		log.Printf("inbox: moving %s: %v", filepath.Base(path), err)
	}
}

func isSpecFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
