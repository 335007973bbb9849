package backend

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrAccessDenied is returned when a path resolves outside the workspace.
var ErrAccessDenied = errors.New("Access denied")

var dangerousPatterns = []string{
	`rm\s+-rf\s+/`,
	`mkfs`,
	`dd\s+if=/dev/zero`,
	`:\(\)\{:\|:&\};:`,
	`chmod\s+777\s+/`,
	`sudo\s+.*`,
	`>\s*/dev/`,
	`&\s*>/dev/`,
}

var dangerousREs = compilePatterns(dangerousPatterns)

func compilePatterns(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile("(?i)" + p)
	}
	return res
}

// DangerousPattern returns the first blocked pattern matched by command.
func DangerousPattern(command string) (string, bool) {
	for i, re := range dangerousREs {
		if re.MatchString(command) {
			return dangerousPatterns[i], true
		}
	}
	return "", false
}

// CommandAllowed reports whether the first word of command is on the
// whitelist. An empty whitelist allows everything.
func (h *Host) CommandAllowed(command string) bool {
	if len(h.cfg.CommandWhitelist) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, w := range h.cfg.CommandWhitelist {
		if fields[0] == w {
			return true
		}
	}
	return false
}

var appleScriptBlocked = []string{"rm -rf", "format:", "diskutil erase", `do shell script "rm`}

// CheckAppleScript returns the blocked fragment found in script, if any.
func CheckAppleScript(script string) (string, bool) {
	lower := strings.ToLower(script)
	for _, p := range appleScriptBlocked {
		if strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// ResolvePath maps path onto the workspace. Relative paths are joined to
// the workspace root; absolute paths must already be inside it.
func (h *Host) ResolvePath(path string) (string, error) {
	return resolvePath(h.cfg.Workspace, path)
}

func resolvePath(root, path string) (string, error) {
	if path == "" || path == "." {
		return root, nil
	}
	path = expandHome(path)

	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrAccessDenied
	}
	return resolved, nil
}
