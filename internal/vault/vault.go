// Package vault reads tagged checkbox tasks out of a markdown notes
// directory and writes the call-waiting note back into it.
package vault

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	appLog "switchboard/internal/log"
	"switchboard/internal/model"
	"switchboard/internal/task"
)

var (
	openTask   = regexp.MustCompile(`^\s*[-*+] \[ \] (.+)$`)
	tagToken   = regexp.MustCompile(`(?:^|\s)(#[\p{L}\p{N}_/-]+)`)
	dueToken   = regexp.MustCompile(`📅\s*(\d{4}-\d{2}-\d{2})`)
	timeToken  = regexp.MustCompile(`⏰\s*(\d{1,2}:\d{2})`)
	endToken   = regexp.MustCompile(`⏳\s*(\d{1,2}:\d{2})`)
	extraSpace = regexp.MustCompile(`\s{2,}`)
)

// ParseLine extracts a task from one markdown line. Only unchecked checkbox
// items qualify.
func ParseLine(line string) (task.Raw, bool) {
	m := openTask.FindStringSubmatch(line)
	if m == nil {
		return task.Raw{}, false
	}
	body := m[1]

	var raw task.Raw
	for _, tm := range tagToken.FindAllStringSubmatch(body, -1) {
		raw.Tags = append(raw.Tags, tm[1])
	}
	if dm := dueToken.FindStringSubmatch(body); dm != nil {
		raw.TaskDate = dm[1]
	}
	if tm := timeToken.FindStringSubmatch(body); tm != nil {
		raw.TaskTime = tm[1]
	}
	if em := endToken.FindStringSubmatch(body); em != nil {
		raw.EndTime = em[1]
	}

	title := dueToken.ReplaceAllString(body, "")
	title = timeToken.ReplaceAllString(title, "")
	title = endToken.ReplaceAllString(title, "")
	title = tagToken.ReplaceAllString(title, " ")
	raw.Title = strings.TrimSpace(extraSpace.ReplaceAllString(title, " "))
	return raw, true
}

// Scan walks dir for *.md files and returns every open task it finds. File
// paths are relative to dir; line numbers are 1-based. Hidden directories
// (".obsidian", ".trash", ...) are skipped.
func Scan(dir string) ([]task.Raw, error) {
	if dir == "" {
		return nil, errors.New("vault dir is empty")
	}

	var out []task.Raw
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		tasks, err := scanFile(path, filepath.ToSlash(rel))
		if err != nil {
			appLog.Error("vault: scan file failed", err, "path", rel)
			return nil
		}
		out = append(out, tasks...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan vault %s: %w", dir, err)
	}
	return out, nil
}

func scanFile(path, rel string) ([]task.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []task.Raw
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		raw.FilePath = rel
		raw.LineNumber = lineNo
		out = append(out, raw)
	}
	return out, sc.Err()
}

// AppendCallWaiting adds a checkbox entry for occ to the note at path,
// creating the note (and its directory) on first use.
func AppendCallWaiting(path string, occ model.Occurrence, savedAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create note dir: %w", err)
	}

	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open call waiting note: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	if isNew {
		b.WriteString("# Call Waiting\n\n")
	}
	b.WriteString(FormatCallWaiting(occ, savedAt))
	b.WriteString("\n")

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write call waiting note: %w", err)
	}
	return nil
}

// FormatCallWaiting renders the note line for a saved call.
func FormatCallWaiting(occ model.Occurrence, savedAt time.Time) string {
	line := fmt.Sprintf("- [ ] %s #switchboard/%s (rang %s, saved %s)",
		occ.Title,
		occ.LineID,
		occ.At.Format("2006-01-02 15:04"),
		savedAt.Format("2006-01-02 15:04"),
	)
	if occ.FilePath != "" {
		line += " [[" + strings.TrimSuffix(occ.FilePath, filepath.Ext(occ.FilePath)) + "]]"
	}
	return line
}
