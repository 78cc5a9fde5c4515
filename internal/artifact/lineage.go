package artifact

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/pkg/errors"
)

// LineageEntry records one global artifact produced by an aggregation server.
type LineageEntry struct {
	Round    int    `json:"round"`
	SubRound int    `json:"subRound"`
	Path     string `json:"path"`
}

var lineageHeader = []string{"round", "sub_round", "artifact_path"}

// Lineage is the append-only table of global artifacts shared by every node.
// Only the current leader appends to it.
type Lineage struct {
	mu   sync.Mutex
	path string
}

func NewLineage(path string) *Lineage {
	return &Lineage{path: path}
}

func (l *Lineage) Path() string {
	return l.path
}

func (l *Lineage) Append(entry LineageEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if abs, err := filepath.Abs(entry.Path); err == nil {
		entry.Path = abs
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.Wrapf(err, "unable to create lineage directory for %s", l.path)
	}

	writeHeader := !common.FileExists(l.path)
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "unable to open lineage %s", l.path)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if writeHeader {
		writer.Write(lineageHeader)
	}
	writer.Write([]string{strconv.Itoa(entry.Round), strconv.Itoa(entry.SubRound), entry.Path})
	writer.Flush()

	return errors.Wrapf(writer.Error(), "unable to append to lineage %s", l.path)
}

// Entries returns the table in append order. A missing table is empty.
func (l *Lineage) Entries() ([]LineageEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !common.FileExists(l.path) {
		return []LineageEntry{}, nil
	}

	records, err := common.ReadCsvFile(l.path)
	if err != nil {
		return nil, err
	}

	entries := []LineageEntry{}
	for i, record := range records {
		if len(record) < len(lineageHeader) {
			continue
		}
		if i == 0 && record[0] == lineageHeader[0] {
			continue
		}

		round, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, errors.Wrapf(err, "lineage %s: line %d", l.path, i+1)
		}
		subRound, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, errors.Wrapf(err, "lineage %s: line %d", l.path, i+1)
		}
		entries = append(entries, LineageEntry{Round: round, SubRound: subRound, Path: record[2]})
	}

	return entries, nil
}

// Latest returns the most recent entry whose artifact is still on disk.
func (l *Lineage) Latest() (LineageEntry, bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return LineageEntry{}, false, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if common.FileExists(entries[i].Path) {
			return entries[i], true, nil
		}
	}

	return LineageEntry{}, false, nil
}
