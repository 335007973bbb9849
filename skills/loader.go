package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultDir    = "~/.claude/skills"
	DefaultHubURL = "https://api.clawhub.dev"

	searchTimeout   = 10 * time.Second
	downloadTimeout = 30 * time.Second
)

// Config configures a Loader.
type Config struct {
	Dir    string
	HubURL string
	// GitHubURL is the archive host; tests point it at a local server.
	GitHubURL  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Loader keeps the skills found in one directory.
type Loader struct {
	dir       string
	hubURL    string
	githubURL string
	http      *http.Client
	logger    *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewLoader creates a loader. Call Scan to populate it.
func NewLoader(cfg Config) *Loader {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.HubURL == "" {
		cfg.HubURL = DefaultHubURL
	}
	if cfg.GitHubURL == "" {
		cfg.GitHubURL = "https://github.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		dir:       expandHome(cfg.Dir),
		hubURL:    strings.TrimRight(cfg.HubURL, "/"),
		githubURL: strings.TrimRight(cfg.GitHubURL, "/"),
		http:      cfg.HTTPClient,
		logger:    cfg.Logger,
		skills:    make(map[string]*Skill),
	}
}

// Dir returns the skills directory.
func (l *Loader) Dir() string { return l.dir }

// Scan reads every immediate subdirectory of the skills directory. A
// missing directory yields no skills. Malformed manifests are logged and
// skipped.
func (l *Loader) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan skills: %w", err)
	}

	found := make(map[string]*Skill)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		s, err := loadDir(path, e.Name())
		if err != nil {
			l.logger.Warn("skip skill", "path", path, "error", err)
			continue
		}
		if s == nil {
			continue
		}
		found[s.Name] = s
		l.logger.Debug("loaded skill", "skill", s.Name, "version", s.Version)
	}

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	return nil
}

func loadDir(path, dirName string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(path, "manifest.yaml"))
	if err == nil {
		m, err := parseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("manifest.yaml: %w", err)
		}
		return fromManifest(m, dirName, path, OriginLocal), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	data, err = os.ReadFile(filepath.Join(path, "SKILL.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	m, err := parseSkillMD(data)
	if err != nil {
		return nil, fmt.Errorf("SKILL.md: %w", err)
	}
	return fromManifest(m, dirName, path, OriginLocal), nil
}

// Get returns a loaded skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// All returns the loaded skills sorted by name.
func (l *Loader) All() []*Skill {
	l.mu.RLock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search matches query against local names and descriptions. Only when
// nothing matches locally is the hub asked.
func (l *Loader) Search(ctx context.Context, query string) []*Skill {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*Skill
	for _, s := range l.All() {
		if strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Description), q) {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out
	}
	remote, err := l.searchRemote(ctx, query)
	if err != nil {
		l.logger.Debug("hub search failed", "query", query, "error", err)
		return nil
	}
	return remote
}

func (l *Loader) searchRemote(ctx context.Context, query string) ([]*Skill, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	u := l.hubURL + "/skills/search?q=" + url.QueryEscape(query)
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
		return nil, fmt.Errorf("hub returned %d", resp.StatusCode)
	}

	var body struct {
		Skills []map[string]any `json:"skills"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]*Skill, 0, len(body.Skills))
	for _, item := range body.Skills {
		s := fromManifest(item, stringOr(item["name"], ""), stringOr(item["path"], ""), OriginRemote)
		if s.Name == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
