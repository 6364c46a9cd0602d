// Package logarchive turns a CI log ZIP into text segments and ordered
// build transcripts.
//
// Entries are named "{step_dir}/{n}_{name}.txt". The transcript keeps only
// entries under the build-log segment and orders them by n numerically.
package logarchive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultSegment is the build-log directory segment.
const DefaultSegment = "build/"

// maxEntrySize bounds a single decompressed entry.
const maxEntrySize = 64 << 20

// ExtractAll decompresses every file entry into a name to text map.
// Directory entries are skipped and invalid UTF-8 is replaced.
func ExtractAll(archive []byte) (map[string]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open log archive: %w", err)
	}
	files := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		files[f.Name] = toUTF8(data)
	}
	return files, nil
}

func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// Entry is one log file with its parsed step number.
type Entry struct {
	Path string
	Step int
	Text string
}

// Header renders an entry the way transcripts show it.
func (e Entry) Header() string {
	return "Log file name: " + e.Path + "\nLogs:\n" + e.Text
}

// StepNumber parses the digits before the first underscore of the base
// name. Unparsable names yield 0.
func StepNumber(name string) int {
	base := path.Base(name)
	prefix, _, _ := strings.Cut(base, "_")
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return n
}

// BuildEntries returns the entries under segment ordered by step number,
// ties broken by path.
func BuildEntries(files map[string]string, segment string) []Entry {
	if segment == "" {
		segment = DefaultSegment
	}
	var entries []Entry
	for name, text := range files {
		if !strings.Contains(name, segment) {
			continue
		}
		entries = append(entries, Entry{Path: name, Step: StepNumber(name), Text: text})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Step != entries[j].Step {
			return entries[i].Step < entries[j].Step
		}
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// BuildOrderedTranscript concatenates the build entries, each with its
// header, separated by a blank line.
func BuildOrderedTranscript(files map[string]string, segment string) string {
	entries := BuildEntries(files, segment)
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Header())
	}
	return strings.Join(parts, "\n\n")
}

// ExtractStep returns the header and text of the build entry for step, or
// "" when there is none. The match is on the whole number, so step 5 does
// not pick up 50_x.txt.
func ExtractStep(files map[string]string, segment string, step int) string {
	for _, e := range BuildEntries(files, segment) {
		if e.Step == step && hasStepPrefix(e.Path, segment, step) {
			return e.Header()
		}
	}
	return ""
}

func hasStepPrefix(name, segment string, step int) bool {
	i := strings.Index(name, segment)
	if i < 0 {
		return false
	}
	return strings.HasPrefix(name[i+len(segment):], strconv.Itoa(step)+"_")
}
