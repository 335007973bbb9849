package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const maxSearchFiles = 50

// ReadFile returns {path, content, size}. Binary files report is_binary
// instead of content.
func (h *Host) ReadFile(_ context.Context, path string) Result {
	if !h.cfg.EnableFile {
		return Fail("Disabled")
	}
	fp, err := h.ResolvePath(path)
	if err != nil {
		return Fail(err.Error())
	}
	info, err := os.Stat(fp)
	if err != nil {
		return Fail(err.Error())
	}
	if !info.Mode().IsRegular() {
		return Fail("Not a file")
	}
	data, err := os.ReadFile(fp)
	if err != nil {
		return Fail(err.Error())
	}
	if !utf8.Valid(data) {
		return Result{"success": true, "path": fp, "is_binary": true, "size": info.Size()}
	}
	content := string(data)
	return Result{"success": true, "path": fp, "content": content, "size": utf8.RuneCountInString(content)}
}

// WriteFile atomically writes content, creating parent directories.
// When an existing text file is overwritten the result carries a
// unified diff of the change.
func (h *Host) WriteFile(_ context.Context, path, content string) Result {
	if !h.cfg.EnableFile {
		return Fail("Disabled")
	}
	fp, err := h.ResolvePath(path)
	if err != nil {
		return Fail(err.Error())
	}

	previous, existed := "", false
	if data, err := os.ReadFile(fp); err == nil && utf8.Valid(data) {
		previous, existed = string(data), true
	}

	if err := atomicWrite(fp, content); err != nil {
		return Fail(err.Error())
	}

	r := Result{"success": true, "path": fp, "bytes_written": len(content)}
	if existed && previous != content {
		r["diff"] = unifiedDiff(previous, content)
	}
	return r
}

func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".langtars-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.WriteString(content)
	tmp.Close()
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}

// unifiedDiff renders a line diff with -/+ markers. Unchanged lines are
// omitted.
func unifiedDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		var mark string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			mark = "-"
		case diffmatchpatch.DiffInsert:
			mark = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(mark)
			sb.WriteString(strings.TrimSuffix(line, "\n"))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// ListDirectory returns {path, items, count}. Items are
// {name, type: directory|file, size}.
func (h *Host) ListDirectory(_ context.Context, path string, showHidden bool) Result {
	if !h.cfg.EnableFile {
		return Fail("Disabled", Result{"items": []any{}})
	}
	dir, err := h.ResolvePath(path)
	if err != nil {
		return Fail(err.Error(), Result{"items": []any{}})
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Fail(err.Error(), Result{"items": []any{}})
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if !showHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		item := map[string]any{"name": e.Name(), "type": "file", "size": int64(0)}
		if e.IsDir() {
			item["type"] = "directory"
		} else if info, err := e.Info(); err == nil {
			item["size"] = info.Size()
		}
		items = append(items, item)
	}
	return Result{"success": true, "path": dir, "items": items, "count": len(items)}
}

// SearchFiles finds up to 50 files whose name contains pattern. Glob
// metacharacters in pattern are honored.
func (h *Host) SearchFiles(_ context.Context, pattern, path string) Result {
	if !h.cfg.EnableFile {
		return Fail("Disabled", Result{"files": []string{}})
	}
	root, err := h.ResolvePath(path)
	if err != nil {
		return Fail(err.Error(), Result{"files": []string{}})
	}
	glob := "*" + pattern + "*"
	if _, err := filepath.Match(glob, ""); err != nil {
		return Fail("invalid pattern: "+err.Error(), Result{"files": []string{}})
	}

	files := []string{}
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if p != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(glob, d.Name()); ok {
			files = append(files, p)
			if len(files) >= maxSearchFiles {
				return filepath.SkipAll
			}
		}
		return nil
	})
	return Result{"success": true, "files": files, "count": len(files)}
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
}
