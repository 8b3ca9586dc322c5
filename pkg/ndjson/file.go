// Package ndjson implements append-only newline-delimited JSON logs.
package ndjson

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxLine bounds a single record; larger lines fail the read.
const maxLine = 4 << 20

// File is an append-only log of T records, one JSON document per line.
type File[T any] struct {
	path string
	mu   sync.Mutex
}

// Open prepares a log at path, creating its directory.
func Open[T any](path string) (*File[T], error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &File[T]{path: path}, nil
}

// Path returns the log location.
func (f *File[T]) Path() string {
	return f.path
}

// Append writes records at the end of the log in one write.
func (f *File[T]) Append(records ...T) error {
	if len(records) == 0 {
		return nil
	}
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Scan returns every record for which keep returns true, in write order.
// A nil keep returns all records. A missing file is an empty log.
func (f *File[T]) Scan(keep func(T) bool) ([]T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []T
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.path, lineNo, err)
		}
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
