package discovery

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"
)

// PollingWatcher detects changes to individual files by periodic stat and
// hashing. It is the fallback for filesystems where fsnotify is unreliable
// (network mounts, some container volumes) and tolerates files that do not
// exist yet.
type PollingWatcher struct {
	mu         sync.Mutex
	interval   time.Duration
	fileStates map[string]*fileState
	events     chan FileEvent
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
	hash    string
}

type FileEvent struct {
	Path string
	Op   FileOp
}

type FileOp int

const (
	Create FileOp = iota
	Write
	Remove
)

func (op FileOp) String() string {
	switch op {
	case Create:
		return "CREATE"
	case Write:
		return "WRITE"
	case Remove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// NewPollingWatcher creates a polling watcher; intervals below 50ms are raised.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}

	return &PollingWatcher{
		interval:   interval,
		fileStates: make(map[string]*fileState),
		events:     make(chan FileEvent, 16),
		stop:       make(chan struct{}),
	}
}

// Add watches path. The current contents are the baseline: only later
// changes produce events.
func (pw *PollingWatcher) Add(path string) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.fileStates[path] = statFile(path)
}

func (pw *PollingWatcher) Start() {
	pw.wg.Add(1)
	go pw.pollLoop()
}

// Stop stops polling and closes the events channel.
func (pw *PollingWatcher) Stop() {
	pw.stopOnce.Do(func() {
		close(pw.stop)
		pw.wg.Wait()
		close(pw.events)
	})
}

func (pw *PollingWatcher) Events() <-chan FileEvent {
	return pw.events
}

func (pw *PollingWatcher) pollLoop() {
	defer pw.wg.Done()

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.stop:
			return
		case <-ticker.C:
			for _, ev := range pw.Poll() {
				select {
				case pw.events <- ev:
				case <-pw.stop:
					return
				}
			}
		}
	}
}

// Poll compares every watched file with its last known state.
func (pw *PollingWatcher) Poll() []FileEvent {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	var out []FileEvent
	for path, old := range pw.fileStates {
		cur := statFile(path)
		switch {
		case !old.exists && cur.exists:
			out = append(out, FileEvent{Path: path, Op: Create})
		case old.exists && !cur.exists:
			out = append(out, FileEvent{Path: path, Op: Remove})
		case cur.exists && (old.modTime != cur.modTime || old.size != cur.size || old.hash != cur.hash):
			out = append(out, FileEvent{Path: path, Op: Write})
		}
		pw.fileStates[path] = cur
	}
	return out
}

func statFile(path string) *fileState {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return &fileState{}
	}

	state := &fileState{
		exists:  true,
		modTime: info.ModTime(),
		size:    info.Size(),
	}

	// Small files are hashed so same-size rewrites within one mtime tick are seen.
	if info.Size() < 1024*1024 {
		if hash, err := hashFile(path); err == nil {
			state.hash = hash
		}
	}
	return state
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
