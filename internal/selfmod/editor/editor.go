// internal/selfmod/editor/editor.go
package editor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/bus"
	"github.com/xkilldash9x/selfmod/internal/selfmod/fsutil"
	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
	"github.com/xkilldash9x/selfmod/internal/selfmod/policy"
)

// DefaultMaxFileSize caps the files the engine reads or writes.
const DefaultMaxFileSize = 1024 * 1024

// Config holds the engine's workspace boundaries.
type Config struct {
	// Root is the workspace root. Every path must resolve inside it.
	Root string
	// BackupDir receives snapshots. Always treated as protected.
	BackupDir string
	// ProtectedDirs are refused outright. Relative entries match any path
	// segment (".git", "node_modules"); absolute entries match by prefix.
	ProtectedDirs []string
	// CriticalPatterns are files DeleteFile refuses to remove.
	CriticalPatterns []string
	MaxFileSize      int64
}

// Engine performs anchor-based file mutation with backup-before-write.
// It does not lock files; callers serialize runs that target the same file.
type Engine struct {
	root         string
	backupDir    string
	protectedRel []string
	protectedAbs []string
	critical     *policy.Matcher
	maxFileSize  int64
	logger       *zap.Logger
	publisher    bus.Publisher
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes self-mod file events.
func WithPublisher(p bus.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the time source used for backup names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Edit is one anchor replacement inside a MultiEdit batch.
type Edit struct {
	Path    string
	OldCode string
	NewCode string
	Reason  string
}

// EditResult is the outcome of a single mutating call.
type EditResult struct {
	Success bool
	// Path is workspace-relative.
	Path   string
	Diff   string
	Backup *models.Backup
	Error  *EditError
}

// Err returns the result's error as an error value, or nil.
func (r *EditResult) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// ReadResult is the outcome of ReadFile.
type ReadResult struct {
	Success bool
	Path    string
	Content string
	Size    int64
	Hash    string
	Error   *EditError
}

// MultiEditResult is the outcome of MultiEdit.
type MultiEditResult struct {
	Success bool
	Results []*EditResult
	// FailedIndex is the index of the failing edit, or -1.
	FailedIndex int
	RolledBack  bool
	Error       *EditError
}

// NewEngine resolves the workspace root and builds an engine.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	} else {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(root, ".selfmod", "backups")
	} else if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(root, backupDir)
	}
	backupDir = resolveExisting(filepath.Clean(backupDir))

	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	e := &Engine{
		root:        root,
		backupDir:   backupDir,
		critical:    policy.NewMatcher(cfg.CriticalPatterns),
		maxFileSize: maxSize,
		logger:      logger.Named("edit_engine"),
		publisher:   bus.Nop{},
		now:         time.Now,
	}

	for _, dir := range append([]string{backupDir}, cfg.ProtectedDirs...) {
		if dir == "" {
			continue
		}
		if filepath.IsAbs(dir) {
			e.protectedAbs = append(e.protectedAbs, resolveExisting(filepath.Clean(dir)))
		} else {
			e.protectedRel = append(e.protectedRel, filepath.ToSlash(filepath.Clean(dir)))
		}
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the resolved workspace root.
func (e *Engine) Root() string { return e.root }

// BackupDir returns the resolved backup directory.
func (e *Engine) BackupDir() string { return e.backupDir }

// Resolve returns the absolute and workspace-relative forms of p, refusing
// paths outside the workspace or inside a protected directory.
func (e *Engine) Resolve(p string) (abs, rel string, editErr *EditError) {
	if strings.TrimSpace(p) == "" {
		return "", "", newEditError(CodeOutsideWorkspace, "empty path")
	}
	abs = p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.root, abs)
	}
	abs = resolveExisting(filepath.Clean(abs))

	rel, err := filepath.Rel(e.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", newEditError(CodeOutsideWorkspace, "%s resolves outside %s", p, e.root)
	}

	for _, dir := range e.protectedAbs {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return "", "", newEditError(CodeProtectedFile, "%s is inside protected directory %s", rel, dir)
		}
	}
	slashRel := filepath.ToSlash(rel)
	for _, dir := range e.protectedRel {
		if strings.Contains(dir, "/") {
			if slashRel == dir || strings.HasPrefix(slashRel, dir+"/") {
				return "", "", newEditError(CodeProtectedFile, "%s is inside protected directory %s", rel, dir)
			}
			continue
		}
		for _, segment := range strings.Split(slashRel, "/") {
			if segment == dir {
				return "", "", newEditError(CodeProtectedFile, "%s is inside protected directory %s", rel, dir)
			}
		}
	}
	return abs, rel, nil
}

// ReadFile returns the content of p after the workspace and size checks.
func (e *Engine) ReadFile(p string) *ReadResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return &ReadResult{Path: p, Error: editErr}
	}
	data, editErr := e.readChecked(abs, rel)
	if editErr != nil {
		return &ReadResult{Path: rel, Error: editErr}
	}
	return &ReadResult{
		Success: true,
		Path:    rel,
		Content: string(data),
		Size:    int64(len(data)),
		Hash:    fsutil.ContentHash(data),
	}
}

func (e *Engine) readChecked(abs, rel string) ([]byte, *EditError) {
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, newEditError(CodeFileNotFound, "%s does not exist", rel)
	}
	if err != nil {
		return nil, ioError("stat "+rel, err)
	}
	if info.IsDir() {
		return nil, newEditError(CodeIOError, "%s is a directory", rel)
	}
	if info.Size() > e.maxFileSize {
		return nil, newEditError(CodeFileTooLarge, "%s is %d bytes, limit is %d", rel, info.Size(), e.maxFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, ioError("read "+rel, err)
	}
	return data, nil
}

// EditFile replaces the single occurrence of oldCode with newCode. Zero or
// multiple occurrences fail without touching the file.
func (e *Engine) EditFile(ctx context.Context, p, oldCode, newCode, reason string) *EditResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return e.fail(p, editErr)
	}
	data, editErr := e.readChecked(abs, rel)
	if editErr != nil {
		return e.fail(rel, editErr)
	}
	content := string(data)

	// 1. The anchor must occur exactly once.
	if oldCode == "" {
		return e.fail(rel, newEditError(CodeOldCodeNotFound, "empty anchor for %s", rel))
	}
	switch count := strings.Count(content, oldCode); {
	case count == 0:
		return e.fail(rel, &EditError{Code: CodeOldCodeNotFound, Message: "anchor not found in " + rel})
	case count > 1:
		return e.fail(rel, &EditError{Code: CodeAmbiguousEdit, Message: "anchor is not unique in " + rel, MatchCount: count})
	}

	updated := strings.Replace(content, oldCode, newCode, 1)
	if int64(len(updated)) > e.maxFileSize {
		return e.fail(rel, newEditError(CodeFileTooLarge, "edited %s would exceed %d bytes", rel, e.maxFileSize))
	}

	// 2. Snapshot, then write.
	return e.writeWithBackup(ctx, abs, rel, data, []byte(updated), reason, models.TopicFileEdited)
}

// ReplaceFile overwrites an existing file with content, taking a backup first.
func (e *Engine) ReplaceFile(ctx context.Context, p, content, reason string) *EditResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return e.fail(p, editErr)
	}
	data, editErr := e.readChecked(abs, rel)
	if editErr != nil {
		return e.fail(rel, editErr)
	}
	if int64(len(content)) > e.maxFileSize {
		return e.fail(rel, newEditError(CodeFileTooLarge, "new content for %s exceeds %d bytes", rel, e.maxFileSize))
	}
	return e.writeWithBackup(ctx, abs, rel, data, []byte(content), reason, models.TopicFileEdited)
}

// AppendFile appends content to an existing file, taking a backup first. A
// missing file is created.
func (e *Engine) AppendFile(ctx context.Context, p, content, reason string) *EditResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return e.fail(p, editErr)
	}
	if !fsutil.Exists(abs) {
		return e.CreateFile(ctx, rel, content, reason)
	}
	data, editErr := e.readChecked(abs, rel)
	if editErr != nil {
		return e.fail(rel, editErr)
	}

	updated := make([]byte, 0, len(data)+len(content)+1)
	updated = append(updated, data...)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		updated = append(updated, '\n')
	}
	updated = append(updated, content...)
	if int64(len(updated)) > e.maxFileSize {
		return e.fail(rel, newEditError(CodeFileTooLarge, "appended %s would exceed %d bytes", rel, e.maxFileSize))
	}
	return e.writeWithBackup(ctx, abs, rel, data, updated, reason, models.TopicFileEdited)
}

// CreateFile writes a new file. It fails when the path already exists.
func (e *Engine) CreateFile(ctx context.Context, p, content, reason string) *EditResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return e.fail(p, editErr)
	}
	if fsutil.Exists(abs) {
		return e.fail(rel, newEditError(CodeFileExists, "%s already exists", rel))
	}
	if int64(len(content)) > e.maxFileSize {
		return e.fail(rel, newEditError(CodeFileTooLarge, "content for %s exceeds %d bytes", rel, e.maxFileSize))
	}
	if err := fsutil.AtomicWrite(abs, []byte(content), 0o644); err != nil {
		return e.fail(rel, ioError("create "+rel, err))
	}

	e.logger.Info("Created file.", zap.String("path", rel), zap.String("reason", reason))
	e.publish(ctx, models.TopicFileCreated, models.FileEvent{Path: rel, Reason: reason})
	return &EditResult{
		Success: true,
		Path:    rel,
		Diff:    unifiedDiff(rel, "", content),
	}
}

// DeleteFile backs up then removes p. Files matching a critical pattern are refused.
func (e *Engine) DeleteFile(ctx context.Context, p, reason string) *EditResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return e.fail(p, editErr)
	}
	if pattern, ok := e.critical.Match(rel); ok {
		return e.fail(rel, newEditError(CodeProtectedFile, "%s matches critical pattern %q", rel, pattern))
	}
	data, editErr := e.readChecked(abs, rel)
	if editErr != nil {
		return e.fail(rel, editErr)
	}

	backup, err := e.createBackup(rel, data)
	if err != nil {
		return e.fail(rel, ioError("back up "+rel, err))
	}
	e.publish(ctx, models.TopicBackupCreated, models.FileEvent{Path: rel, Backup: backup})

	if err := os.Remove(abs); err != nil {
		return e.fail(rel, ioError("remove "+rel, err))
	}
	e.logger.Info("Deleted file.", zap.String("path", rel), zap.String("backup", backup.BackupPath), zap.String("reason", reason))
	return &EditResult{
		Success: true,
		Path:    rel,
		Diff:    unifiedDiff(rel, string(data), ""),
		Backup:  backup,
	}
}

// RemoveCreated deletes a file that an earlier CreateFile in the same
// transaction produced. No backup is taken since none existed.
func (e *Engine) RemoveCreated(ctx context.Context, p string) *EditResult {
	abs, rel, editErr := e.Resolve(p)
	if editErr != nil {
		return e.fail(p, editErr)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return e.fail(rel, ioError("remove "+rel, err))
	}
	e.logger.Info("Removed created file.", zap.String("path", rel))
	return &EditResult{Success: true, Path: rel}
}

// MultiEdit applies edits in order. On the first failure every backup taken so
// far is restored in reverse order and processing stops.
func (e *Engine) MultiEdit(ctx context.Context, edits []Edit) *MultiEditResult {
	out := &MultiEditResult{FailedIndex: -1}

	for i, ed := range edits {
		res := e.EditFile(ctx, ed.Path, ed.OldCode, ed.NewCode, ed.Reason)
		out.Results = append(out.Results, res)
		if res.Success {
			continue
		}

		out.FailedIndex = i
		out.Error = res.Error
		e.logger.Warn("Multi-edit failed; restoring earlier edits.",
			zap.Int("failed_index", i), zap.String("path", ed.Path), zap.Error(res.Err()))

		out.RolledBack = true
		for j := i - 1; j >= 0; j-- {
			prev := out.Results[j]
			if prev.Backup == nil {
				continue
			}
			if restore := e.RestoreBackup(ctx, prev.Backup.BackupPath); !restore.Success {
				out.RolledBack = false
				e.logger.Error("Failed to restore backup during multi-edit rollback.",
					zap.String("backup", prev.Backup.BackupPath), zap.Error(restore.Err()))
			}
		}
		return out
	}

	out.Success = true
	return out
}

// RestoreBackup decodes the original path from the backup's name and
// overwrites it with the snapshot content.
func (e *Engine) RestoreBackup(ctx context.Context, backupPath string) *EditResult {
	full := backupPath
	if !filepath.IsAbs(full) {
		full = filepath.Join(e.backupDir, full)
	}
	full = resolveExisting(filepath.Clean(full))
	if filepath.Dir(full) != e.backupDir {
		return e.fail(backupPath, newEditError(CodeInvalidBackup, "%s is not inside %s", backupPath, e.backupDir))
	}

	rel, _, err := parseBackupName(filepath.Base(full))
	if err != nil {
		return e.fail(backupPath, &EditError{Code: CodeInvalidBackup, Message: err.Error(), Err: err})
	}
	content, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return e.fail(backupPath, newEditError(CodeInvalidBackup, "%s does not exist", backupPath))
	}
	if err != nil {
		return e.fail(backupPath, ioError("read backup", err))
	}

	abs, rel, editErr := e.Resolve(rel)
	if editErr != nil {
		return e.fail(rel, editErr)
	}

	var current []byte
	if data, err := os.ReadFile(abs); err == nil {
		current = data
	}
	if err := fsutil.AtomicWrite(abs, content, 0o644); err != nil {
		return e.fail(rel, ioError("restore "+rel, err))
	}

	e.logger.Info("Restored file from backup.", zap.String("path", rel), zap.String("backup", full))
	e.publish(ctx, models.TopicRolledBack, models.FileEvent{Path: rel, Reason: "restored from " + filepath.Base(full)})
	return &EditResult{
		Success: true,
		Path:    rel,
		Diff:    unifiedDiff(rel, string(current), string(content)),
	}
}

func (e *Engine) writeWithBackup(ctx context.Context, abs, rel string, original, updated []byte, reason string, topic models.Topic) *EditResult {
	backup, err := e.createBackup(rel, original)
	if err != nil {
		return e.fail(rel, ioError("back up "+rel, err))
	}
	e.publish(ctx, models.TopicBackupCreated, models.FileEvent{Path: rel, Backup: backup})

	if err := fsutil.AtomicWrite(abs, updated, 0o644); err != nil {
		return &EditResult{Path: rel, Backup: backup, Error: ioError("write "+rel, err)}
	}

	e.logger.Info("Modified file.",
		zap.String("path", rel),
		zap.String("backup", backup.BackupPath),
		zap.String("reason", reason))
	e.publish(ctx, topic, models.FileEvent{Path: rel, Backup: backup, Reason: reason})

	return &EditResult{
		Success: true,
		Path:    rel,
		Diff:    unifiedDiff(rel, string(original), string(updated)),
		Backup:  backup,
	}
}

func (e *Engine) fail(p string, editErr *EditError) *EditResult {
	e.logger.Debug("Edit refused.", zap.String("path", p), zap.String("code", string(editErr.Code)), zap.String("message", editErr.Message))
	return &EditResult{Path: p, Error: editErr}
}

func (e *Engine) publish(ctx context.Context, topic models.Topic, payload any) {
	if err := e.publisher.Post(ctx, topic, payload); err != nil {
		e.logger.Debug("Failed to publish event.", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// unifiedDiff renders a line-based diff between two versions of rel.
func unifiedDiff(rel, before, after string) string {
	if before == after {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + filepath.ToSlash(rel),
		ToFile:   "b/" + filepath.ToSlash(rel),
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// resolveExisting evaluates symlinks on the longest existing prefix of p so
// paths to files that do not exist yet still compare against the real root.
func resolveExisting(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolveExisting(parent), filepath.Base(p))
}
