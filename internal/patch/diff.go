package patch

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/BegaDeveloper/proofsh/internal/security"
)

const devNull = "/dev/null"

// FileChange is one file named by a diff header that passed sandbox validation.
type FileChange struct {
	Path security.Path
	// HeaderPath is the name as git sees it after prefix stripping.
	HeaderPath string
	Created    bool
	Deleted    bool
}

type parsedDiff struct {
	Changes []FileChange
	// Prefixed is set when headers carry git's a/ and b/ prefixes, which selects -p1.
	Prefixed bool
	Skipped  []string
}

func (parsed parsedDiff) StripLevel() int {
	if parsed.Prefixed {
		return 1
	}
	return 0
}

// parseDiff walks the ---/+++ header pairs of a unified diff. Hunk bodies are skipped
// by their line counts so a removed line that starts with "-- " is never taken for a
// header.
func parseDiff(diff string, sandbox *security.Sandbox) parsedDiff {
	var parsed parsedDiff
	seen := map[string]bool{}
	lines := strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n")

	oldName := ""
	haveOld := false
	oldRemaining, newRemaining := 0, 0
	for _, line := range lines {
		if oldRemaining > 0 || newRemaining > 0 {
			switch {
			case strings.HasPrefix(line, "\\"):
			case strings.HasPrefix(line, "-"):
				oldRemaining--
			case strings.HasPrefix(line, "+"):
				newRemaining--
			default:
				oldRemaining--
				newRemaining--
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "--- "):
			oldName = headerName(line[4:])
			haveOld = true
		case strings.HasPrefix(line, "+++ "):
			newName := headerName(line[4:])
			change, prefixed, ok := classifyHeaders(oldName, haveOld, newName)
			haveOld = false
			if prefixed {
				parsed.Prefixed = true
			}
			if !ok {
				continue
			}
			path, err := sandbox.ValidateFile(change.HeaderPath)
			if err != nil {
				logrus.WithError(err).WithField("path", change.HeaderPath).Debug("diff header excluded")
				parsed.Skipped = append(parsed.Skipped, change.HeaderPath)
				continue
			}
			if seen[path.Rel()] {
				continue
			}
			seen[path.Rel()] = true
			change.Path = path
			parsed.Changes = append(parsed.Changes, change)
		case strings.HasPrefix(line, "@@ "):
			oldRemaining, newRemaining = hunkCounts(line)
		}
	}
	return parsed
}

func classifyHeaders(oldName string, haveOld bool, newName string) (FileChange, bool, bool) {
	oldStripped, oldPrefixed := stripGitPrefix(oldName, "a/")
	newStripped, newPrefixed := stripGitPrefix(newName, "b/")
	prefixed := (oldName != devNull && oldPrefixed) || (newName != devNull && newPrefixed)

	change := FileChange{Created: haveOld && oldName == devNull}
	switch {
	case newName == devNull && haveOld && oldName != devNull:
		change.Deleted = true
		change.HeaderPath = oldStripped
	case newName != devNull && newName != "":
		change.HeaderPath = newStripped
	default:
		return FileChange{}, prefixed, false
	}
	return change, prefixed, change.HeaderPath != ""
}

func stripGitPrefix(name string, prefix string) (string, bool) {
	if strings.HasPrefix(name, prefix) {
		return name[len(prefix):], true
	}
	return name, false
}

// headerName drops the timestamp metadata diff(1) appends after a tab and undoes git's
// C-style quoting of unusual names.
func headerName(raw string) string {
	name := raw
	if index := strings.IndexByte(name, '\t'); index >= 0 {
		name = name[:index]
	}
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, `"`) {
		if unquoted, err := strconv.Unquote(name); err == nil {
			return unquoted
		}
	}
	return name
}

// hunkCounts reads the old and new line counts from "@@ -l[,s] +l[,s] @@".
func hunkCounts(line string) (int, int) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, 0
	}
	return rangeLength(fields[1], "-"), rangeLength(fields[2], "+")
}

func rangeLength(field string, sign string) int {
	if !strings.HasPrefix(field, sign) {
		return 0
	}
	_, length, found := strings.Cut(field[1:], ",")
	if !found {
		return 1
	}
	parsed, err := strconv.Atoi(length)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

// includePattern escapes glob metacharacters so git's --include matches name literally.
func includePattern(name string) string {
	var builder strings.Builder
	for _, r := range name {
		switch r {
		case '*', '?', '[', ']', '\\':
			builder.WriteRune('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
