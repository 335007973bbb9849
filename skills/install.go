package skills

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// InstallResult reports the outcome of Install.
type InstallResult struct {
	Success bool   `json:"success"`
	Skill   string `json:"skill,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

var errNotFound = errors.New("not found")

const (
	maxArchiveBytes = 64 << 20
	maxEntryBytes   = 16 << 20
)

// Install downloads and extracts a skill. identifier is either a GitHub
// owner/repo reference (optionally a full https://github.com URL) or a
// hub skill name. Names missing from the hub fall back to the
// langbot-app/clawhub-<name> repository.
func (l *Loader) Install(ctx context.Context, identifier string) InstallResult {
	identifier = strings.TrimSpace(identifier)
	s, err := l.download(ctx, identifier)
	if err != nil {
		l.logger.Warn("skill install failed", "skill", identifier, "error", err)
		return InstallResult{Error: fmt.Sprintf("Failed to install skill: %s", identifier)}
	}
	l.logger.Info("skill installed", "skill", s.Name, "path", s.Path)
	return InstallResult{
		Success: true,
		Skill:   s.Name,
		Message: fmt.Sprintf("Successfully installed skill: %s", s.Name),
	}
}

func (l *Loader) download(ctx context.Context, identifier string) (*Skill, error) {
	if identifier == "" {
		return nil, errors.New("empty skill identifier")
	}
	if strings.Contains(identifier, "/") {
		return l.downloadGitHub(ctx, identifier)
	}

	data, err := l.fetch(ctx, fmt.Sprintf("%s/skills/%s/download", l.hubURL, identifier))
	if err == nil {
		return l.extract(ctx, data, identifier)
	}
	l.logger.Debug("hub download failed", "skill", identifier, "error", err)
	return l.downloadGitHub(ctx, "langbot-app/clawhub-"+identifier)
}

func (l *Loader) downloadGitHub(ctx context.Context, repo string) (*Skill, error) {
	repo = strings.TrimPrefix(repo, "https://github.com/")
	repo = strings.TrimSuffix(repo, ".git")
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid repository reference %q", repo)
	}
	owner, name := parts[0], parts[1]

	var lastErr error
	for _, branch := range []string{"main", "master"} {
		u := fmt.Sprintf("%s/%s/%s/archive/refs/heads/%s.zip", l.githubURL, owner, name, branch)
		data, err := l.fetch(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		return l.extract(ctx, data, name)
	}
	return nil, lastErr
}

func (l *Loader) fetch(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %d: %w", u, resp.StatusCode, errNotFound)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxArchiveBytes {
		return nil, fmt.Errorf("GET %s: archive larger than %d bytes", u, maxArchiveBytes)
	}
	return data, nil
}

// extract unpacks an archive into the skills directory and rescans.
func (l *Loader) extract(ctx context.Context, data []byte, name string) (*Skill, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	root := archiveRoot(zr.File)
	dirName := name
	if root != "" {
		dirName = strings.TrimSuffix(strings.TrimSuffix(path.Base(root), "-main"), "-master")
	}
	if dirName == "" || dirName == "." || dirName == ".." {
		dirName = name
	}
	target := filepath.Join(l.dir, dirName)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, err
	}

	for _, f := range zr.File {
		rel := f.Name
		if root != "" {
			if !strings.HasPrefix(f.Name, root+"/") {
				continue
			}
			rel = f.Name[len(root)+1:]
		}
		if rel == "" {
			continue
		}
		dest, err := safeJoin(target, rel)
		if err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := writeEntry(f, dest); err != nil {
			return nil, err
		}
	}

	if err := l.Scan(ctx); err != nil {
		return nil, err
	}
	for _, s := range l.All() {
		if s.Path == target {
			return s, nil
		}
	}
	return nil, fmt.Errorf("archive for %s holds no loadable skill", name)
}

// archiveRoot finds the directory of the archive that holds the skill:
// the shallowest directory with a manifest.yaml or SKILL.md, else the
// single top-level directory every entry shares. An empty root means
// the skill sits at the top of the archive.
func archiveRoot(files []*zip.File) string {
	root, depth := "", -1
	for _, f := range files {
		switch path.Base(f.Name) {
		case "manifest.yaml", "SKILL.md":
		default:
			continue
		}
		dir := path.Dir(f.Name)
		if dir == "." {
			return ""
		}
		if d := strings.Count(dir, "/"); depth < 0 || d < depth {
			root, depth = dir, d
		}
	}
	if depth >= 0 {
		return root
	}

	top := ""
	for _, f := range files {
		first, _, nested := strings.Cut(f.Name, "/")
		if !nested && !f.FileInfo().IsDir() {
			return ""
		}
		if top != "" && first != top {
			return ""
		}
		top = first
	}
	return top
}

// safeJoin rejects entries that would land outside root.
func safeJoin(root, rel string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, dest)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return "", fmt.Errorf("archive entry %q escapes the skill directory", rel)
	}
	return dest, nil
}

func writeEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if f.UncompressedSize64 > maxEntryBytes {
		return fmt.Errorf("archive entry %q larger than %d bytes", f.Name, maxEntryBytes)
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(src, maxEntryBytes+1))
	if err == nil && n > maxEntryBytes {
		err = fmt.Errorf("archive entry %q larger than %d bytes", f.Name, maxEntryBytes)
	}
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
