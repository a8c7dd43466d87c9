// internal/store/store.go
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Rotation limits for JSONL logs. Variables so tests can shrink them.
var (
	MaxLinesPerFile = 100_000
	MaxBytesPerFile = int64(64 << 20)
	MaxRotations    = 3
)

const maxScanSize = 2 << 20

var (
	appendMu   sync.Mutex
	lineCounts = make(map[string]int)
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends v as one JSON line and fsyncs. The file rotates to
// path.1 .. path.N once it exceeds MaxLinesPerFile or MaxBytesPerFile.
func AppendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	appendMu.Lock()
	defer appendMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	n, ok := lineCounts[path]
	if !ok {
		n, err = countLines(path)
		if err != nil {
			return err
		}
	}
	if size := fileSize(path); n >= MaxLinesPerFile || (size > 0 && size+int64(len(line)) > MaxBytesPerFile) {
		if err := rotate(path); err != nil {
			return err
		}
		n = 0
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	lineCounts[path] = n + 1
	return nil
}

// ScanPaths lists path and its rotations, oldest first.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		out = append(out, fmt.Sprintf("%s.%d", path, i))
	}
	return append(out, path)
}

// ReadJSONL calls fn for every decodable line across rotations, oldest first.
// Lines that fail to decode are skipped.
func ReadJSONL[T any](path string, fn func(T)) error {
	for _, p := range ScanPaths(path) {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := newScanner(f)
		for sc.Scan() {
			var rec T
			if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
				fn(rec)
			}
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteFileAtomic replaces path with data through a synced temp file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// Close before rename for Windows.
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// WriteJSONAtomic writes v as indented JSON.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'), perm)
}

func rotate(path string) error {
	_ = os.Remove(fmt.Sprintf("%s.%d", path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, fmt.Sprintf("%s.%d", path, i+1)); err != nil {
				return err
			}
		}
	}
	if MaxRotations < 1 {
		return os.Remove(path)
	}
	if err := os.Rename(path, path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	syncDir(path)
	return nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return bytes.Count(data, []byte{'\n'}), nil
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
