// compactor removes duplicate ticks from JSONL hour partitions.
//
// Overlapping subscriptions (a client stream next to a background
// stream for the same contract) persist the same tick once per
// handler. Ticks are identical except for the request id, so the
// partitions can be compacted offline once the hour is closed.
//
// Usage: go run ./cmd/compactor --path /data/ib-stream --dry-run
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lakowske/ib-stream/internal/model"
)

func main() {
	root := flag.String("path", "", "storage root (the directory holding json/)")
	dryRun := flag.Bool("dry-run", false, "report duplicates without rewriting")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *root == "" {
		logger.Error("--path is required")
		os.Exit(1)
	}

	var files, rewritten int
	var dropped int64
	err := filepath.WalkDir(filepath.Join(*root, "json"), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".jsonl") {
			return err
		}
		files++
		n, err := compactFile(p, *dryRun)
		if err != nil {
			logger.Warn("compact failed", "file", p, "error", err)
			return nil
		}
		if n > 0 {
			dropped += int64(n)
			if !*dryRun {
				rewritten++
			}
			logger.Info("duplicates found", "file", p, "count", n, "dry_run", *dryRun)
		}
		return nil
	})
	if err != nil {
		logger.Error("walk failed", "error", err)
		os.Exit(1)
	}

	logger.Info("compaction complete",
		"files", files,
		"rewritten", rewritten,
		"duplicates", dropped,
	)
}

// compactFile drops lines whose tick content already appeared earlier
// in the file, returning how many were dropped. Content identity
// ignores the request id and the gateway ingest timestamp, which
// differ between handlers observing the same event.
func compactFile(path string, dryRun bool) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	seen := make(map[string]bool)
	var kept []string
	duplicates := 0

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		key, ok := contentKey(line)
		if !ok {
			// Unparseable lines are preserved as-is.
			kept = append(kept, line)
			continue
		}
		if seen[key] {
			duplicates++
			continue
		}
		seen[key] = true
		kept = append(kept, line)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if duplicates == 0 || dryRun {
		return duplicates, nil
	}

	tmp := path + ".compact"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)
	for _, line := range kept {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return duplicates, os.Rename(tmp, path)
}

func contentKey(line string) (string, bool) {
	var msg model.TickMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return "", false
	}
	msg.RequestID = 0
	msg.SystemTimestampUS = 0
	key, err := json.Marshal(msg)
	if err != nil {
		return "", false
	}
	return string(key), true
}
