package election

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"

	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/pkg/errors"
)

// Row is one node's entry in the round's metrics table.
type Row struct {
	Rank     int
	Snapshot model.ResourceSnapshot
}

var tableHeader = []string{
	"node_id", "identity", "ip", "ram_available_mb", "disk_available_mb",
	"cpu_cores", "cpu_mhz", "gpu_active", "net_download_mbps", "net_upload_mbps",
}

// Table collects the snapshots gossiped during one round, one row per identity.
type Table struct {
	mu   sync.Mutex
	rows map[model.NodeIdentity]Row
}

func NewTable() *Table {
	return &Table{rows: map[model.NodeIdentity]Row{}}
}

// Add records a row and reports whether its identity was new to the table.
func (t *Table) Add(row Row) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, exists := t.rows[row.Snapshot.Identity]
	t.rows[row.Snapshot.Identity] = row
	return !exists
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.rows)
}

func (t *Table) Rows() []Row {
	t.mu.Lock()
	rows := make([]Row, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	t.mu.Unlock()

	return Canonical(rows)
}

// WriteCSV overwrites path with the table in canonical order.
func (t *Table) WriteCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create metrics table %s", path)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Write(tableHeader)
	for _, row := range t.Rows() {
		s := row.Snapshot
		writer.Write([]string{
			strconv.Itoa(row.Rank),
			s.Identity.String(),
			s.IP,
			formatFloat(s.RamMB),
			formatFloat(s.DiskMB),
			strconv.Itoa(s.CpuCores),
			formatFloat(s.CpuMHz),
			strconv.FormatBool(s.GpuActive),
			formatFloat(s.DownloadMbps),
			formatFloat(s.UploadMbps),
		})
	}
	writer.Flush()

	return errors.Wrapf(writer.Error(), "unable to write metrics table %s", path)
}

// ReadTable loads a table written by WriteCSV.
func ReadTable(path string) ([]Row, error) {
	records, err := common.ReadCsvFile(path)
	if err != nil {
		return nil, err
	}

	rows := []Row{}
	for i, record := range records {
		if i == 0 && len(record) > 0 && record[0] == tableHeader[0] {
			continue
		}
		if len(record) < len(tableHeader) {
			return nil, errors.Errorf("metrics table %s: short record on line %d", path, i+1)
		}

		row, err := parseRow(record)
		if err != nil {
			return nil, errors.Wrapf(err, "metrics table %s: line %d", path, i+1)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func parseRow(record []string) (Row, error) {
	rank, err := strconv.Atoi(record[0])
	if err != nil {
		return Row{}, err
	}
	cores, err := strconv.Atoi(record[5])
	if err != nil {
		return Row{}, err
	}

	floats := make([]float64, 0, 5)
	for _, idx := range []int{3, 4, 6, 8, 9} {
		v, err := strconv.ParseFloat(record[idx], 64)
		if err != nil {
			return Row{}, err
		}
		floats = append(floats, v)
	}

	return Row{
		Rank: rank,
		Snapshot: model.ResourceSnapshot{
			Identity:     model.NodeIdentity(record[1]),
			IP:           record[2],
			RamMB:        floats[0],
			DiskMB:       floats[1],
			CpuCores:     cores,
			CpuMHz:       floats[2],
			GpuActive:    record[7] == "true",
			DownloadMbps: floats[3],
			UploadMbps:   floats[4],
		},
	}, nil
}

// ElectFromFile reads a persisted metrics table and draws the leader for round.
// An unreadable or empty table selects rank 1.
func ElectFromFile(path string, round int) (int, error) {
	rows, err := ReadTable(path)
	if err != nil {
		return 1, err
	}

	return SelectLeader(rows, round), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
