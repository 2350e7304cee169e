package storage

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// Writer is one storage backend appending ticks to files in a single
// on-disk format and answering range queries over them.
type Writer interface {
	// Start creates the format root. Idempotent.
	Start() error

	// Format returns the format name (the directory under root).
	Format() string

	// WriteBatch appends messages, grouped by target file. Each
	// message lands in the file derived from its event timestamp.
	WriteBatch(messages []model.TickMessage) error

	// QueryRange returns ticks for one contract within [start, end],
	// filtered by tick-type set (empty = all), in non-decreasing file
	// order. limit 0 means unlimited.
	QueryRange(contractID int64, tickTypes []model.TickType, start, end time.Time, limit int) ([]model.TickMessage, error)
}

// fileWriter is the shared implementation behind both formats.
type fileWriter struct {
	root   string
	format string
	codec  codec
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJSONLWriter creates the JSONL writer rooted at root/json.
func NewJSONLWriter(root string, logger *slog.Logger) Writer {
	return newFileWriter(root, FormatJSON, jsonlCodec{}, logger)
}

// NewBinaryWriter creates the length-prefixed protobuf writer rooted
// at root/protobuf.
func NewBinaryWriter(root string, logger *slog.Logger) Writer {
	return newFileWriter(root, FormatProtobuf, binaryCodec{}, logger)
}

func newFileWriter(root, format string, c codec, logger *slog.Logger) *fileWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileWriter{
		root:   root,
		format: format,
		codec:  c,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (w *fileWriter) Format() string { return w.format }

func (w *fileWriter) Start() error {
	return os.MkdirAll(filepath.Join(w.root, w.format), 0o755)
}

// WriteBatch groups messages by target file and appends each group
// under that file's lock. Only one file lock is held at a time.
func (w *fileWriter) WriteBatch(messages []model.TickMessage) error {
	groups := make(map[string][]model.TickMessage)
	var order []string
	for _, msg := range messages {
		path := tickPath(w.root, w.format, msg)
		if _, seen := groups[path]; !seen {
			order = append(order, path)
		}
		groups[path] = append(groups[path], msg)
	}

	for _, path := range order {
		if err := w.appendFile(path, groups[path]); err != nil {
			return fmt.Errorf("append %s: %w", path, err)
		}
	}
	return nil
}

func (w *fileWriter) appendFile(path string, messages []model.TickMessage) error {
	lock := w.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, msg := range messages {
		if err := w.codec.appendRecord(bw, msg); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (w *fileWriter) fileLock(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[path] = lock
	}
	return lock
}

// QueryRange scans the hour directories covering [start, end] (plus a
// one-hour look-behind), processes matching files in filename order,
// and filters records by time range and tick-type set.
func (w *fileWriter) QueryRange(contractID int64, tickTypes []model.TickType, start, end time.Time, limit int) ([]model.TickMessage, error) {
	wanted := make(map[model.TickType]bool, len(tickTypes))
	for _, tt := range tickTypes {
		wanted[tt] = true
	}

	startUS := start.UnixMicro()
	endUS := end.UnixMicro()

	var results []model.TickMessage
	for _, dir := range hourRange(w.root, w.format, start, end) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}

		type candidate struct {
			name string
			key  fileKey
		}
		var files []candidate
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			key, ok := parseFileName(entry.Name())
			if !ok || key.contractID != contractID {
				continue
			}
			if len(wanted) > 0 && !wanted[key.tickType] {
				continue
			}
			files = append(files, candidate{name: entry.Name(), key: key})
		}
		sort.Slice(files, func(i, j int) bool {
			if files[i].key.second != files[j].key.second {
				return files[i].key.second < files[j].key.second
			}
			return files[i].name < files[j].name
		})

		for _, c := range files {
			done, err := w.scanFile(filepath.Join(dir, c.name), startUS, endUS, wanted, limit, &results)
			if err != nil {
				return nil, err
			}
			if done {
				return results, nil
			}
		}
	}
	return results, nil
}

// scanFile streams one file, appending in-range records. Reports true
// once the limit is reached.
func (w *fileWriter) scanFile(path string, startUS, endUS int64, wanted map[model.TickType]bool, limit int, results *[]model.TickMessage) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	full := false
	err = w.codec.decode(f, func(msg model.TickMessage) bool {
		if msg.IBTimestampUS < startUS || msg.IBTimestampUS > endUS {
			return true
		}
		if len(wanted) > 0 && !wanted[msg.TickType] {
			return true
		}
		*results = append(*results, msg)
		if limit > 0 && len(*results) >= limit {
			full = true
			return false
		}
		return true
	})
	if err != nil {
		// A corrupt tail must not hide the records already read.
		w.logger.Warn("partial file scan", "path", path, "error", err)
	}
	return full, nil
}
