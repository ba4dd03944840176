package inbox

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	netmail "net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSource reads RFC 822 messages from .eml files. Each path may be a
// file or a directory, which is walked recursively.
type FileSource struct {
	Paths        []string
	HTMLFallback bool
}

// NewFileSource creates a source over the given files and directories.
func NewFileSource(paths []string, htmlFallback bool) *FileSource {
	return &FileSource{Paths: paths, HTMLFallback: htmlFallback}
}

func (s *FileSource) Name() string {
	return "files:" + strings.Join(s.Paths, ",")
}

// Fetch parses every message file in path order. Messages dated before
// q.Since are skipped when their Date header parses; the sender/keyword
// filter and limit apply as for a mailbox.
func (s *FileSource) Fetch(ctx context.Context, q Query) ([]Message, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}

	var messages []Message
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := readMessageFile(path, s.HTMLFallback)
		if err != nil {
			slog.Warn("skipping unreadable message file", "path", path, "error", err)
			continue
		}
		if !q.Since.IsZero() {
			if t, err := netmail.ParseDate(msg.Date); err == nil && t.Before(q.Since) {
				continue
			}
		}
		if !q.Matches(msg) {
			continue
		}
		messages = append(messages, msg)
		if q.Limit > 0 && len(messages) >= q.Limit {
			break
		}
	}
	return messages, nil
}

func (s *FileSource) files() ([]string, error) {
	var files []string
	for _, root := range s.Paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}

		var found []string
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".eml") {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", root, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

func readMessageFile(path string, htmlFallback bool) (Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return Message{}, err
	}
	defer f.Close()

	msg, err := ParseMessage(f, htmlFallback)
	if err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		msg.ID = filepath.Base(path)
	}
	return msg, nil
}
