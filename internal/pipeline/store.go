package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoRuns is returned by Latest when nothing has been recorded yet.
var ErrNoRuns = errors.New("no runs recorded")

// Store manages run records on disk.
//
// Layout:
//
//	{baseDir}/
//	  {gate}/
//	    {entryKey}/
//	      {timestamp}-{runID}/
//	        run.json
//	        stages/{stage}/output.txt
type Store struct {
	baseDir string // defaults to <state_dir>/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// PathSegment maps a configured name to a single directory name that cannot
// climb out of or nest below its parent.
func PathSegment(name string) string {
	seg := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	switch seg {
	case "", ".", "..":
		return "_" + seg
	}
	return seg
}

func (s *Store) entryDir(gate, entryKey string) string {
	if entryKey == "" {
		entryKey = "default"
	}
	return filepath.Join(s.baseDir, PathSegment(gate), PathSegment(entryKey))
}

// RunDir returns the directory a run is written to.
func (s *Store) RunDir(run *Run) string {
	name := fmt.Sprintf("%s-%s", run.StartedAt.UTC().Format("20060102T150405Z"), run.ID)
	return filepath.Join(s.entryDir(run.Gate, run.EntryKey), name)
}

// StageOutputPath returns the captured-output file of a stage within a run.
func (s *Store) StageOutputPath(run *Run, stage string) string {
	return filepath.Join(s.RunDir(run), "stages", PathSegment(stage), "output.txt")
}

// Save writes a finalized run. The run directory is created exclusively so
// no two writers can ever share it.
func (s *Store) Save(run *Run) (string, error) {
	dir := s.RunDir(run)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(dir), err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	for _, st := range run.Stages {
		if st.Output == "" {
			continue
		}
		if err := WriteAtomic(s.StageOutputPath(run, st.Name), []byte(st.Output)); err != nil {
			return "", fmt.Errorf("write output for stage %q: %w", st.Name, err)
		}
	}
	if err := WriteJSON(filepath.Join(dir, "run.json"), run); err != nil {
		return "", fmt.Errorf("write run.json: %w", err)
	}
	return dir, nil
}

// Load reads a run back from its directory, including captured stage output.
func (s *Store) Load(dir string) (*Run, error) {
	var run Run
	if err := ReadJSON(filepath.Join(dir, "run.json"), &run); err != nil {
		return nil, err
	}
	for i := range run.Stages {
		data, err := os.ReadFile(filepath.Join(dir, "stages", PathSegment(run.Stages[i].Name), "output.txt"))
		if err == nil {
			run.Stages[i].Output = string(data)
		}
	}
	return &run, nil
}

// List returns the run directories of a gate, oldest first. An empty gate
// lists every gate.
func (s *Store) List(gate string) ([]string, error) {
	gates := []string{PathSegment(gate)}
	if gate == "" {
		entries, err := os.ReadDir(s.baseDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
		}
		gates = gates[:0]
		for _, e := range entries {
			if e.IsDir() {
				gates = append(gates, e.Name())
			}
		}
	}

	var dirs []string
	for _, g := range gates {
		keys, err := os.ReadDir(filepath.Join(s.baseDir, g))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read gate dir %s: %w", g, err)
		}
		for _, k := range keys {
			if !k.IsDir() {
				continue
			}
			runs, err := os.ReadDir(filepath.Join(s.baseDir, g, k.Name()))
			if err != nil {
				continue
			}
			for _, r := range runs {
				if r.IsDir() && !strings.HasPrefix(r.Name(), ".") {
					dirs = append(dirs, filepath.Join(s.baseDir, g, k.Name(), r.Name()))
				}
			}
		}
	}

	// Directory names start with a sortable UTC timestamp.
	sort.Slice(dirs, func(i, j int) bool {
		return filepath.Base(dirs[i]) < filepath.Base(dirs[j])
	})
	return dirs, nil
}

// Latest returns the most recent run of a gate.
func (s *Store) Latest(gate string) (*Run, error) {
	dirs, err := s.List(gate)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, ErrNoRuns
	}
	return s.Load(dirs[len(dirs)-1])
}
