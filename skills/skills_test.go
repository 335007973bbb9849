package skills

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/langbot-app/LangTARS/agent"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "weather", "manifest.yaml"), `skill: weather
version: 2.0.0
description: Look up the weather
parameters:
  city: {type: string, required: true}
adds: [src/weather.ts]
npm_dependencies: {axios: ^1.6.0}
`)
	writeFile(t, filepath.Join(dir, "unnamed", "manifest.yaml"), "description: No name given\n")
	writeFile(t, filepath.Join(dir, "broken", "manifest.yaml"), "skill: [unclosed\n")
	writeFile(t, filepath.Join(dir, "notes", "SKILL.md"), "---\nname: notes\ndescription: Take notes\n---\n# Notes\n")
	writeFile(t, filepath.Join(dir, "empty", "README.md"), "nothing")
	writeFile(t, filepath.Join(dir, "file.yaml"), "skill: ignored\n")

	l := NewLoader(Config{Dir: dir})
	if err := l.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var names []string
	for _, s := range l.All() {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "notes,unnamed,weather" {
		t.Fatalf("expected %q, got %q", "notes,unnamed,weather", got)
	}

	w, _ := l.Get("weather")
	if w.Version != "2.0.0" || w.Origin != OriginLocal || !w.Executable() {
		t.Fatalf("unexpected skill %+v", w)
	}
	if w.Dependencies["axios"] != "^1.6.0" {
		t.Fatalf("expected axios dependency, got %v", w.Dependencies)
	}
	u, _ := l.Get("unnamed")
	if u.Version != "1.0.0" {
		t.Fatalf("expected default version, got %q", u.Version)
	}
	n, _ := l.Get("notes")
	if n.Description != "Take notes" || n.Executable() {
		t.Fatalf("unexpected skill %+v", n)
	}

	t.Run("missing dir", func(t *testing.T) {
		l := NewLoader(Config{Dir: filepath.Join(dir, "nope")})
		if err := l.Scan(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(l.All()) != 0 {
			t.Fatal("expected no skills")
		}
	})
}

func TestSearch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "weather", "manifest.yaml"), "skill: weather\ndescription: Forecasts\n")

	var queries []string
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/skills/search" {
			http.NotFound(w, r)
			return
		}
		queries = append(queries, r.URL.Query().Get("q"))
		json.NewEncoder(w).Encode(map[string]any{"skills": []map[string]any{
			{"name": "pdf-tools", "version": "0.3.0", "description": "PDF utilities", "path": "pdf-tools"},
		}})
	}))
	defer hub.Close()

	ctx := context.Background()
	l := NewLoader(Config{Dir: dir, HubURL: hub.URL})
	l.Scan(ctx)

	got := l.Search(ctx, "FORECAST")
	if len(got) != 1 || got[0].Name != "weather" {
		t.Fatalf("expected local match, got %v", got)
	}
	if len(queries) != 0 {
		t.Fatalf("expected no hub query, got %v", queries)
	}

	got = l.Search(ctx, "pdf")
	if len(got) != 1 || got[0].Name != "pdf-tools" || got[0].Origin != OriginRemote || got[0].Version != "0.3.0" {
		t.Fatalf("expected remote match, got %+v", got)
	}

	t.Run("hub down", func(t *testing.T) {
		l := NewLoader(Config{Dir: dir, HubURL: "http://127.0.0.1:1"})
		if got := l.Search(ctx, "pdf"); len(got) != 0 {
			t.Fatalf("expected no results, got %v", got)
		}
	})
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	archive := makeZip(t, map[string]string{
		"clawhub-weather-main/manifest.yaml":  "skill: weather\ndescription: Forecasts\nadds: [a.ts]\n",
		"clawhub-weather-main/src/weather.ts": "export {}\n",
	})

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/langbot-app/clawhub-weather/archive/refs/heads/master.zip",
			"/acme/clawhub-weather/archive/refs/heads/main.zip":
			w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	t.Run("hub miss falls back to github master", func(t *testing.T) {
		dir := t.TempDir()
		paths = nil
		l := NewLoader(Config{Dir: dir, HubURL: srv.URL, GitHubURL: srv.URL})
		res := l.Install(ctx, "weather")
		if !res.Success || res.Skill != "weather" {
			t.Fatalf("unexpected result %+v", res)
		}
		want := []string{
			"/skills/weather/download",
			"/langbot-app/clawhub-weather/archive/refs/heads/main.zip",
			"/langbot-app/clawhub-weather/archive/refs/heads/master.zip",
		}
		if strings.Join(paths, " ") != strings.Join(want, " ") {
			t.Fatalf("expected %v, got %v", want, paths)
		}
		if _, err := os.Stat(filepath.Join(dir, "clawhub-weather", "src", "weather.ts")); err != nil {
			t.Fatalf("expected extracted file: %v", err)
		}
		if _, ok := l.Get("weather"); !ok {
			t.Fatal("expected the skill to be loaded")
		}
	})

	t.Run("github url", func(t *testing.T) {
		l := NewLoader(Config{Dir: t.TempDir(), HubURL: srv.URL, GitHubURL: srv.URL})
		res := l.Install(ctx, "https://github.com/acme/clawhub-weather.git")
		if !res.Success {
			t.Fatalf("unexpected result %+v", res)
		}
		if res.Message != "Successfully installed skill: weather" {
			t.Fatalf("unexpected message %q", res.Message)
		}
	})

	t.Run("not found", func(t *testing.T) {
		l := NewLoader(Config{Dir: t.TempDir(), HubURL: srv.URL, GitHubURL: srv.URL})
		res := l.Install(ctx, "nothing")
		if res.Success || res.Error != "Failed to install skill: nothing" {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("bad reference", func(t *testing.T) {
		l := NewLoader(Config{Dir: t.TempDir(), HubURL: srv.URL, GitHubURL: srv.URL})
		if res := l.Install(ctx, "a/b/c"); res.Success {
			t.Fatalf("expected failure, got %+v", res)
		}
	})
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(Config{Dir: filepath.Join(dir, "skills")})
	archive := makeZip(t, map[string]string{
		"evil-main/manifest.yaml":        "skill: evil\n",
		"evil-main/../../../escaped.txt": "gotcha",
	})
	if _, err := l.extract(context.Background(), archive, "evil"); err == nil {
		t.Fatal("expected zip-slip rejection")
	}
	if _, err := os.Stat(filepath.Join(dir, "escaped.txt")); !os.IsNotExist(err) {
		t.Fatal("expected nothing written outside the skills dir")
	}
}

func TestExtractArchiveRoot(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		dir     string
		want    []string
		missing []string
	}{
		{
			name: "SKILL.md only on master",
			files: map[string]string{
				"clawhub-notes-master/SKILL.md":       "---\nname: notes\ndescription: Take notes\n---\n",
				"clawhub-notes-master/scripts/run.sh": "echo hi\n",
			},
			dir:  "clawhub-notes",
			want: []string{"SKILL.md", "scripts/run.sh"},
		},
		{
			name: "sibling directories are not merged",
			files: map[string]string{
				"notes/SKILL.md":       "---\nname: notes\ndescription: Take notes\n---\n",
				"notes-extra/stray.md": "not part of the skill",
			},
			dir:     "notes",
			want:    []string{"SKILL.md"},
			missing: []string{"-extra/stray.md", "stray.md"},
		},
		{
			name: "flat archive",
			files: map[string]string{
				"manifest.yaml": "skill: notes\ndescription: Take notes\n",
				"lib/a.ts":      "export {}\n",
			},
			dir:  "notes",
			want: []string{"manifest.yaml", "lib/a.ts"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			l := NewLoader(Config{Dir: dir})
			s, err := l.extract(context.Background(), makeZip(t, tt.files), "notes")
			if err != nil {
				t.Fatal(err)
			}
			if s.Name != "notes" || s.Path != filepath.Join(dir, tt.dir) {
				t.Fatalf("expected notes at %q, got %q at %q", filepath.Join(dir, tt.dir), s.Name, s.Path)
			}
			for _, rel := range tt.want {
				if _, err := os.Stat(filepath.Join(s.Path, filepath.FromSlash(rel))); err != nil {
					t.Fatalf("expected %s extracted: %v", rel, err)
				}
			}
			for _, rel := range tt.missing {
				if _, err := os.Stat(filepath.Join(s.Path, filepath.FromSlash(rel))); !os.IsNotExist(err) {
					t.Fatalf("expected %s to be left out", rel)
				}
			}
		})
	}
}

func TestExtractRejectsOversizedEntry(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("big-main/SKILL.md")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("---\nname: big\ndescription: Big\n---\n"))
	w, err = zw.Create("big-main/blob.bin")
	if err != nil {
		t.Fatal(err)
	}
	w.Write(bytes.Repeat([]byte{0}, maxEntryBytes+1))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(Config{Dir: t.TempDir()})
	_, err = l.extract(context.Background(), buf.Bytes(), "big")
	if err == nil || !strings.Contains(err.Error(), "larger than") {
		t.Fatalf("expected an oversized entry error, got %v", err)
	}
}

func TestFetchRejectsOversizedArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 1<<20)
		for written := 0; written <= maxArchiveBytes; written += len(chunk) {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	l := NewLoader(Config{Dir: t.TempDir()})
	_, err := l.fetch(context.Background(), srv.URL+"/skill.zip")
	if err == nil || !strings.Contains(err.Error(), "larger than") {
		t.Fatalf("expected an oversized archive error, got %v", err)
	}
}

func TestCatalogHook(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pdf-tools", "manifest.yaml"), "skill: pdf-tools\nversion: 0.3.0\ndescription: PDF utilities\n")
	l := NewLoader(Config{Dir: dir})
	l.Scan(context.Background())
	h := NewCatalogHook(l)

	msgs := []agent.Message{agent.System("base"), agent.Human("hi")}
	out, err := h.ModifyRequest(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	want := "base\n\nInstalled skills:\n- pdf_tools (v0.3.0): PDF utilities\n"
	if out[0].Content != want {
		t.Fatalf("expected %q, got %q", want, out[0].Content)
	}
	if msgs[0].Content != "base" {
		t.Fatal("expected the input messages to be left untouched")
	}

	out, _ = h.ModifyRequest(context.Background(), []agent.Message{agent.Human("hi")})
	if len(out) != 2 || out[0].Role != agent.RoleSystem {
		t.Fatalf("expected a prepended system message, got %v", out)
	}
}
