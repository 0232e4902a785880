package disk

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// Manager persists projects and pledges under a root directory
// (projects/*.project, pledges/<projectID>/*.pledge) and watches both
// subtrees for externally-created files, submitting an engine task for
// every new file it sees so the rest of the system only ever learns about
// disk state on the scheduler thread.
type Manager struct {
	sched *engine.Scheduler
	root  string

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	done    chan struct{}

	onProject        func(*models.Project)
	onPledge         func(*models.Pledge)
	onProjectRemoved func(id [32]byte)
	onPledgeRemoved  func(projectID, pledgeHash [32]byte)
}

// New creates a Manager rooted at dir, creating the projects/ and pledges/
// subdirectories if absent.
func New(sched *engine.Scheduler, dir string, onProject func(*models.Project), onPledge func(*models.Pledge)) (*Manager, error) {
	for _, sub := range []string{"projects", "pledges"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir %s: %v", config.ErrIOError, sub, err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: new fsnotify watcher: %v", config.ErrIOError, err)
	}

	m := &Manager{
		sched:     sched,
		root:      dir,
		watcher:   w,
		done:      make(chan struct{}),
		onProject: onProject,
		onPledge:  onPledge,
	}
	return m, nil
}

// OnRemoved registers the callbacks invoked when a project or pledge file
// disappears from disk (spec.md §4.8: "Disk project removed", "Disk pledge
// removed"). Must be called before Start.
func (m *Manager) OnRemoved(onProjectRemoved func(id [32]byte), onPledgeRemoved func(projectID, pledgeHash [32]byte)) {
	m.onProjectRemoved = onProjectRemoved
	m.onPledgeRemoved = onPledgeRemoved
}

// Start begins watching the projects directory and every known project's
// pledge subdirectory, loading any files already present before watching
// for new ones.
func (m *Manager) Start() error {
	if err := m.watcher.Add(filepath.Join(m.root, "projects")); err != nil {
		return fmt.Errorf("%w: watch projects dir: %v", config.ErrIOError, err)
	}

	if err := m.loadExistingProjects(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop ends the watch loop and releases the underlying fsnotify watcher.
func (m *Manager) Stop() {
	close(m.done)
	m.watcher.Close()
	m.wg.Wait()
}

// WatchProjectPledges starts watching a project's pledge subdirectory and
// loads any pledge files already present there.
func (m *Manager) WatchProjectPledges(projectID [32]byte) error {
	dir := m.pledgeDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir pledges dir: %v", config.ErrIOError, err)
	}
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("%w: watch pledges dir: %v", config.ErrIOError, err)
	}
	return m.loadExistingPledges(projectID)
}

func (m *Manager) pledgeDir(projectID [32]byte) string {
	return filepath.Join(m.root, "pledges", fmt.Sprintf("%x", projectID))
}

func (m *Manager) loadExistingProjects() error {
	dir := filepath.Join(m.root, "projects")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read projects dir: %v", config.ErrIOError, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), config.ProjectFileSuffix) {
			continue
		}
		m.loadProjectFile(filepath.Join(dir, e.Name()))
	}
	return nil
}

func (m *Manager) loadExistingPledges(projectID [32]byte) error {
	dir := m.pledgeDir(projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read pledges dir: %v", config.ErrIOError, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), config.PledgeFileSuffix) {
			continue
		}
		m.loadPledgeFile(projectID, filepath.Join(dir, e.Name()))
	}
	return nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				m.handleEvent(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				m.handleRemoveEvent(ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("disk manager: fsnotify error", "error", err)
		}
	}
}

func (m *Manager) handleEvent(path string) {
	switch {
	case strings.HasSuffix(path, config.ProjectFileSuffix):
		m.loadProjectFile(path)
	case strings.HasSuffix(path, config.PledgeFileSuffix):
		projectID, ok := projectIDFromPledgePath(path)
		if !ok {
			return
		}
		m.loadPledgeFile(projectID, path)
	}
}

// handleRemoveEvent dispatches a disappearance of a project or pledge file.
// Unlike handleEvent it never reads the file — by the time fsnotify delivers
// a Remove/Rename event the content is gone, so the project/pledge identity
// is recovered entirely from the (hash-based) file name.
func (m *Manager) handleRemoveEvent(path string) {
	switch {
	case strings.HasSuffix(path, config.ProjectFileSuffix):
		id, ok := idFromFileName(filepath.Base(path), config.ProjectFileSuffix)
		if !ok || m.onProjectRemoved == nil {
			return
		}
		m.sched.Submit(func() { m.onProjectRemoved(id) })
	case strings.HasSuffix(path, config.PledgeFileSuffix):
		projectID, ok := projectIDFromPledgePath(path)
		if !ok {
			return
		}
		pledgeHash, ok := idFromFileName(filepath.Base(path), config.PledgeFileSuffix)
		if !ok || m.onPledgeRemoved == nil {
			return
		}
		m.sched.Submit(func() { m.onPledgeRemoved(projectID, pledgeHash) })
	}
}

func idFromFileName(name, suffix string) ([32]byte, bool) {
	return idFromHex(strings.TrimSuffix(name, suffix))
}

func idFromHex(s string) ([32]byte, bool) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}

func projectIDFromPledgePath(path string) ([32]byte, bool) {
	dir := filepath.Base(filepath.Dir(path))
	id, ok := idFromHex(dir)
	if !ok {
		return id, false
	}
	return id, true
}

func (m *Manager) loadProjectFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("disk manager: read project file", "path", path, "error", err)
		return
	}
	project, err := DecodeProject(raw)
	if err != nil {
		slog.Warn("disk manager: decode project file", "path", path, "error", err)
		return
	}
	m.sched.SubmitASAP(func() { m.onProject(project) })
}

func (m *Manager) loadPledgeFile(projectID [32]byte, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("disk manager: read pledge file", "path", path, "error", err)
		return
	}
	pledge, err := DecodePledge(projectID, raw)
	if err != nil {
		slog.Warn("disk manager: decode pledge file", "path", path, "error", err)
		return
	}
	m.sched.SubmitASAP(func() { m.onPledge(pledge) })
}

// SaveProject writes a project file to disk atomically (write to a temp
// file in the same directory, then rename), so a concurrent watcher never
// observes a partially-written file.
func (m *Manager) SaveProject(p *models.Project) error {
	raw, err := EncodeProject(p)
	if err != nil {
		return err
	}
	path := filepath.Join(m.root, "projects", ProjectFileName(p.ID))
	return atomicWrite(path, raw)
}

// AddProjectFile writes a pledge file into a project's pledge directory
// atomically, returning its on-disk name.
func (m *Manager) AddProjectFile(projectID [32]byte, p *models.Pledge) (string, error) {
	raw, err := EncodePledge(p)
	if err != nil {
		return "", err
	}
	name := PledgeFileName(p)
	path := filepath.Join(m.pledgeDir(projectID), name)
	if err := atomicWrite(path, raw); err != nil {
		return "", err
	}
	return name, nil
}

func atomicWrite(path string, raw []byte) error {
	tmp := path + config.TempFileSuffix
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write temp file: %v", config.ErrIOError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename temp file: %v", config.ErrIOError, err)
	}
	return nil
}
