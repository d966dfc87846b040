// Package dirjob enumerates a directory tree into individual file transfer
// jobs and aggregates their progress, so the session/transfer layer only
// ever deals with single files.
package dirjob

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Job describes one file queued for transfer, relative to the root
// directory it was enumerated from (empty RelPath for a single-file send).
type Job struct {
	AbsPath string
	RelPath string
	Size    int64
}

// Enumerate walks root and returns one Job per regular file found. If root
// is itself a regular file, it returns a single job with an empty RelPath.
// Symlinks are not followed, matching the teacher's own plain filepath.Walk
// usage elsewhere in the corpus.
func Enumerate(root string) ([]Job, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, fmt.Errorf("dirjob: stat %s: %w", root, err)
	}

	if !info.IsDir() {
		return []Job{{AbsPath: root, RelPath: "", Size: info.Size()}}, nil
	}

	var jobs []Job
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		jobs = append(jobs, Job{AbsPath: path, RelPath: rel, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dirjob: walk %s: %w", root, err)
	}
	return jobs, nil
}

// Aggregator tracks per-job byte progress and reports a combined total
// across every job in a batch, so the UI collaborator can show one progress
// bar for a folder send instead of one per file.
type Aggregator struct {
	mu        sync.Mutex
	totalSize int64
	sent      map[string]int64
}

// NewAggregator builds an Aggregator over the given batch of jobs.
func NewAggregator(jobs []Job) *Aggregator {
	a := &Aggregator{sent: make(map[string]int64, len(jobs))}
	for _, j := range jobs {
		a.totalSize += j.Size
		a.sent[j.AbsPath] = 0
	}
	return a
}

// Update records that bytesSent total bytes of job abspath have been
// transferred so far (a running total, not a delta).
func (a *Aggregator) Update(absPath string, bytesSent int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent[absPath] = bytesSent
}

// Progress returns (bytes transferred, total bytes) across every job in
// the batch.
func (a *Aggregator) Progress() (done, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range a.sent {
		done += v
	}
	return done, a.totalSize
}
