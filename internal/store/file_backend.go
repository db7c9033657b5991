package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/fsnotify/fsnotify"
)

type persistedRecords struct {
	RevCounter int64              `json:"revCounter"`
	Records    []relaysync.Record `json:"records"`
}

// FileStore is a MemoryStore persisted as one JSON file. Writes by other
// processes are picked up through fsnotify and published as change events.
type FileStore struct {
	*engine
	path    string
	mem     *memoryTable
	watcher *fsnotify.Watcher

	lastMu      sync.Mutex
	lastWritten []byte

	done chan struct{}
	wg   sync.WaitGroup
}

func OpenFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, relaysync.ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	mem := newMemoryTable()
	s := &FileStore{
		engine: newEngine(mem, opts),
		path:   path,
		mem:    mem,
		done:   make(chan struct{}),
	}
	snapshot, _, err := s.load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		mem.reset(snapshot.Records, snapshot.RevCounter)
	}
	s.engine.afterWrite = s.save

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return errors.Join(err, s.engine.Close())
}

// save runs under engine.mu.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(persistedRecords{
		RevCounter: s.mem.revCounter,
		Records:    s.mem.all(),
	}, "", "  ")
	if err != nil {
		return err
	}
	s.lastMu.Lock()
	s.lastWritten = data
	s.lastMu.Unlock()
	return writeFileAtomic(s.path, data, 0o644)
}

func (s *FileStore) load() (*persistedRecords, []byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, data, nil
	}
	var snapshot persistedRecords
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, data, err
	}
	return &snapshot, data, nil
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	base := filepath.Base(s.path)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file store watcher error", "path", s.path, "error", err)
		}
	}
}

// reload applies a file written by another process and publishes what
// changed.
func (s *FileStore) reload() {
	snapshot, data, err := s.load()
	if err != nil {
		s.logger.Warn("file store reload failed", "path", s.path, "error", err)
		return
	}
	if snapshot == nil {
		return
	}
	s.lastMu.Lock()
	own := bytes.Equal(data, s.lastWritten)
	s.lastMu.Unlock()
	if own {
		return
	}

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.engine.closed {
		return
	}
	before := make(map[string]relaysync.Record, len(s.mem.records))
	for id, rec := range s.mem.records {
		before[id] = rec
	}
	revCounter := snapshot.RevCounter
	if s.mem.revCounter > revCounter {
		revCounter = s.mem.revCounter
	}
	s.mem.reset(snapshot.Records, revCounter)

	changed := 0
	for _, rec := range snapshot.Records {
		prev, existed := before[rec.ID]
		switch {
		case !existed && !rec.Deleted:
			s.fanout.publish(relaysync.ChangeEvent{Type: relaysync.EventInsert, Record: rec})
		case existed && rec.Revision <= prev.Revision:
			continue
		case rec.Deleted && (!existed || !prev.Deleted):
			s.fanout.publish(relaysync.ChangeEvent{Type: relaysync.EventDelete, Record: rec})
		case !rec.Deleted:
			s.fanout.publish(relaysync.ChangeEvent{Type: relaysync.EventUpdate, Record: rec})
		default:
			continue
		}
		changed++
	}
	s.logger.Info("reloaded file store", "path", s.path, "changed", changed)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
