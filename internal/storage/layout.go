package storage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// Storage formats and their file extensions.
const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"

	extJSON     = "jsonl"
	extProtobuf = "pb"
)

// ext returns the file extension for a format.
func ext(format string) string {
	if format == FormatProtobuf {
		return extProtobuf
	}
	return extJSON
}

// hourDir returns the YYYY/MM/DD/HH directory for a UTC time.
func hourDir(t time.Time) string {
	return t.UTC().Format("2006/01/02/15")
}

// tickPath returns the full path for a tick under root:
// {root}/{format}/YYYY/MM/DD/HH/{cid}_{tt}_{sec}.{ext}. The hour and
// the filename second both come from the tick's event timestamp, so
// all ticks of one (contract, tick type, hour) share a file and
// filenames sort chronologically.
func tickPath(root, format string, msg model.TickMessage) string {
	t := time.UnixMicro(msg.IBTimestampUS).UTC()
	hour := t.Truncate(time.Hour)
	name := fmt.Sprintf("%d_%s_%d.%s", msg.ContractID, msg.TickType, hour.Unix(), ext(format))
	return filepath.Join(root, format, hourDir(t), name)
}

// fileKey is the parsed identity of one storage file.
type fileKey struct {
	contractID int64
	tickType   model.TickType
	second     int64
}

// parseFileName decodes {cid}_{tt}_{sec}.{ext}. Tick types may contain
// an underscore, so the name is split from both ends.
func parseFileName(name string) (fileKey, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return fileKey{}, false
	}
	switch name[dot+1:] {
	case extJSON, extProtobuf:
	default:
		return fileKey{}, false
	}
	base := name[:dot]

	first := strings.IndexByte(base, '_')
	last := strings.LastIndexByte(base, '_')
	if first < 0 || last <= first {
		return fileKey{}, false
	}

	cid, err := strconv.ParseInt(base[:first], 10, 64)
	if err != nil {
		return fileKey{}, false
	}
	sec, err := strconv.ParseInt(base[last+1:], 10, 64)
	if err != nil {
		return fileKey{}, false
	}
	tt, err := model.ParseTickType(base[first+1 : last])
	if err != nil {
		return fileKey{}, false
	}
	return fileKey{contractID: cid, tickType: tt, second: sec}, true
}

// hourRange lists the hour directories covering [start, end] plus a
// one-hour look-behind for files that spill past their named hour.
func hourRange(root, format string, start, end time.Time) []string {
	first := start.UTC().Truncate(time.Hour).Add(-time.Hour)
	last := end.UTC().Truncate(time.Hour)

	var dirs []string
	for h := first; !h.After(last); h = h.Add(time.Hour) {
		dirs = append(dirs, filepath.Join(root, format, hourDir(h)))
	}
	return dirs
}
