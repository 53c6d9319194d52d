// Package staging writes submitted sources to per-task directories the
// script engine can load from, and removes them once the task is done.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"github.com/spf13/afero"

	"github.com/compozy/taskvisor/engine/core"
	"github.com/compozy/taskvisor/pkg/logger"
)

const (
	// EntryFile is the name of the staged entry point inside a task directory.
	EntryFile = "main.js"

	maxSlugLen  = 48
	defaultPerm = os.FileMode(0o600)
	dirPerm     = os.FileMode(0o700)
)

// Staged describes the files written for one task.
type Staged struct {
	TaskID string
	Dir    string
	Path   string
}

// Stager owns a root directory on an afero filesystem.
type Stager struct {
	fs   afero.Fs
	root string
	perm os.FileMode
}

type Option func(*Stager)

// WithFilePerm sets the permissions of staged source files.
func WithFilePerm(perm os.FileMode) Option {
	return func(s *Stager) {
		if perm != 0 {
			s.perm = perm
		}
	}
}

func New(fs afero.Fs, root string, opts ...Option) *Stager {
	s := &Stager{fs: fs, root: filepath.Clean(root), perm: defaultPerm}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fs returns the filesystem staged files live on.
func (s *Stager) Fs() afero.Fs {
	return s.fs
}

func (s *Stager) Root() string {
	return s.root
}

// Stage writes source to <root>/<slug(id)>-<ksuid>/main.js. Every call gets
// a fresh directory, so staging never overwrites a live task's files.
func (s *Stager) Stage(ctx context.Context, id string, source string) (Staged, error) {
	if err := ctx.Err(); err != nil {
		return Staged{}, err
	}
	suffix, err := core.NewID()
	if err != nil {
		return Staged{}, fmt.Errorf("failed to name staging directory: %w", err)
	}
	dir := filepath.Join(s.root, dirName(id)+"-"+suffix.String())
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return Staged{}, fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, EntryFile)
	if err := afero.WriteFile(s.fs, path, []byte(source), s.perm); err != nil {
		_ = s.fs.RemoveAll(dir)
		return Staged{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	logger.FromContext(ctx).Debug("staged task source", "task_id", id, "path", path, "bytes", len(source))
	return Staged{TaskID: id, Dir: dir, Path: path}, nil
}

// Cleanup removes the staged directory. Missing directories are not an error.
func (s *Stager) Cleanup(ctx context.Context, staged Staged) error {
	if staged.Dir == "" {
		return nil
	}
	if !s.within(staged.Dir) {
		return fmt.Errorf("refusing to remove %s outside staging root %s", staged.Dir, s.root)
	}
	if err := s.fs.RemoveAll(staged.Dir); err != nil {
		return fmt.Errorf("failed to remove staging directory %s: %w", staged.Dir, err)
	}
	logger.FromContext(ctx).Debug("removed staged source", "task_id", staged.TaskID, "dir", staged.Dir)
	return nil
}

func (s *Stager) within(dir string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func dirName(id string) string {
	name := slug.Make(id)
	if len(name) > maxSlugLen {
		name = strings.Trim(name[:maxSlugLen], "-")
	}
	if name == "" {
		return "task"
	}
	return name
}
