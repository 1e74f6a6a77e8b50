package cleanup

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MikeSquared-Agency/minutes/internal/fragment"
	"github.com/MikeSquared-Agency/minutes/internal/session"
)

// Outcome is what the pipeline run reports back for disposal decisions.
type Outcome struct {
	Success       bool
	SummaryFailed bool
}

// RetainMerged reports whether the merged audio survives cleanup. It is kept
// when the run failed or when the AI summary fell back, and discarded on a
// clean success where the transcript is the artifact of record.
func (o Outcome) RetainMerged() bool {
	return !o.Success || o.SummaryFailed
}

// Report lists what a cleanup pass removed and what it could not.
type Report struct {
	ChunksRemoved   int      `json:"chunks_removed"`
	IndexRemoved    bool     `json:"index_removed"`
	MergedRemoved   bool     `json:"merged_removed"`
	MergedRetained  bool     `json:"merged_retained"`
	MetadataRemoved bool     `json:"metadata_removed"`
	DirRemoved      bool     `json:"dir_removed"`
	Errors          []string `json:"errors,omitempty"`
}

// Manager reclaims session artifacts. Every deletion is best-effort and
// missing artifacts are not errors, so Cleanup may run any number of times.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Cleanup(sessionDir string, outcome Outcome) Report {
	var rep Report

	chunks := filepath.Join(sessionDir, fragment.ChunksName)
	entries, err := os.ReadDir(chunks)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		rep.fail("read chunks dir", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if removed, err := remove(filepath.Join(chunks, e.Name())); err != nil {
			rep.fail("remove chunk", err)
		} else if removed {
			rep.ChunksRemoved++
		}
	}
	rep.removeEmptyDir(chunks)

	if removed, err := remove(filepath.Join(sessionDir, fragment.IndexName)); err != nil {
		rep.fail("remove index", err)
	} else {
		rep.IndexRemoved = removed
	}

	merged := filepath.Join(sessionDir, fragment.MergedName)
	mergedEntries, err := os.ReadDir(merged)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		rep.fail("read merged dir", err)
	}
	for _, e := range mergedEntries {
		if e.IsDir() {
			continue
		}
		if e.Name() == fragment.MergedAudioName && outcome.RetainMerged() {
			rep.MergedRetained = true
			continue
		}
		removed, err := remove(filepath.Join(merged, e.Name()))
		if err != nil {
			rep.fail("remove merged artifact", err)
			continue
		}
		if removed && e.Name() == fragment.MergedAudioName {
			rep.MergedRemoved = true
		}
	}
	rep.removeEmptyDir(merged)

	if removed, err := remove(filepath.Join(sessionDir, session.MetadataFile)); err != nil {
		rep.fail("remove metadata", err)
	} else {
		rep.MetadataRemoved = removed
	}

	rep.DirRemoved = rep.removeEmptyDir(sessionDir)

	if len(rep.Errors) > 0 {
		slog.Warn("cleanup incomplete", "dir", sessionDir, "errors", rep.Errors)
	} else {
		slog.Info("cleanup done",
			"dir", sessionDir,
			"chunks_removed", rep.ChunksRemoved,
			"merged_retained", rep.MergedRetained,
			"dir_removed", rep.DirRemoved,
		)
	}
	return rep
}

func remove(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// removeEmptyDir removes dir only when nothing is left in it.
func (r *Report) removeEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.fail("read dir", err)
		}
		return false
	}
	if len(entries) > 0 {
		return false
	}
	removed, err := remove(dir)
	if err != nil {
		r.fail("remove dir", err)
	}
	return removed
}

func (r *Report) fail(what string, err error) {
	r.Errors = append(r.Errors, what+": "+err.Error())
}
