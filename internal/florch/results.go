package florch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/pkg/errors"
)

type metricLog struct {
	file   string
	key    string
	values func(m *model.SubRoundMetrics) map[model.NodeIdentity]float64
}

var metricLogs = []metricLog{
	{common.METRIC_F1_LOG, common.METRIC_F1_KEY, func(m *model.SubRoundMetrics) map[model.NodeIdentity]float64 { return m.F1 }},
	{common.METRIC_ACCURACY_LOG, common.METRIC_ACCURACY_KEY, func(m *model.SubRoundMetrics) map[model.NodeIdentity]float64 { return m.Accuracy }},
	{common.METRIC_GET_TIME_LOG, common.METRIC_GET_TIME_KEY, func(m *model.SubRoundMetrics) map[model.NodeIdentity]float64 { return m.CollectTime }},
	{common.METRIC_SEND_TIME_LOG, common.METRIC_SEND_TIME_KEY, func(m *model.SubRoundMetrics) map[model.NodeIdentity]float64 { return m.SendTime }},
}

// writeMetricLogs appends one node_identity,value row per client and sub-round to each metric log.
func writeMetricLogs(dir string, rank int, subRounds []*model.SubRoundMetrics) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create results directory %s", dir)
	}

	for _, ml := range metricLogs {
		fileName := filepath.Join(dir, common.GetMetricLogName(ml.file, rank))
		file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", fileName)
		}

		writer := csv.NewWriter(file)
		for _, metrics := range subRounds {
			values := ml.values(metrics)
			ids := make([]string, 0, len(values))
			for id := range values {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)

			for _, id := range ids {
				writer.Write([]string{id, strconv.FormatFloat(values[model.NodeIdentity(id)], 'f', -1, 64)})
			}
		}
		writer.Flush()
		err = writer.Error()
		file.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to write %s", fileName)
		}
	}

	return nil
}

// Reconcile merges the lineage with every member's metric logs into full_metrics_node_<rank>.csv.
// Row i of a node's column is the i-th value logged for it; missing or empty logs are skipped.
func Reconcile(dir string, rank int, members []model.Member, lineage *artifact.Lineage) (string, error) {
	entries, err := lineage.Entries()
	if err != nil {
		return "", err
	}

	header := []string{"round", "sub_round", "artifact_path"}
	columns := [][]string{}
	rows := len(entries)

	for _, ml := range metricLogs {
		values := map[string][]string{}
		for _, member := range members {
			fileName := filepath.Join(dir, common.GetMetricLogName(ml.file, member.Rank))
			if info, err := os.Stat(fileName); err != nil || info.Size() == 0 {
				continue
			}

			records, err := common.ReadCsvFile(fileName)
			if err != nil {
				return "", err
			}
			for _, record := range records {
				if len(record) < 2 {
					continue
				}
				values[record[0]] = append(values[record[0]], record[1])
			}
		}

		ids := make([]string, 0, len(values))
		for id := range values {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			header = append(header, fmt.Sprintf("%s_node_%s", ml.key, id))
			columns = append(columns, values[id])
			if len(values[id]) > rows {
				rows = len(values[id])
			}
		}
	}

	outName := filepath.Join(dir, common.GetReconciledMetricsName(rank))
	file, err := os.Create(outName)
	if err != nil {
		return "", errors.Wrapf(err, "unable to create %s", outName)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Write(header)
	for i := 0; i < rows; i++ {
		row := []string{"", "", ""}
		if i < len(entries) {
			row = []string{strconv.Itoa(entries[i].Round), strconv.Itoa(entries[i].SubRound), entries[i].Path}
		}
		for _, column := range columns {
			if i < len(column) {
				row = append(row, column[i])
			} else {
				row = append(row, "")
			}
		}
		writer.Write(row)
	}
	writer.Flush()

	return outName, errors.Wrapf(writer.Error(), "unable to write %s", outName)
}

func getResultsFileName(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("results_node_%d_%s.csv", rank, time.Now().Format("2006-01-02_15-04")))
}

func writeResultsToFile(fileName string, summary RoundSummary) error {
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", fileName)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	finalF1 := ""
	if len(summary.MeanF1) > 0 {
		finalF1 = fmt.Sprintf("%.4f", summary.MeanF1[len(summary.MeanF1)-1])
	}
	record := []string{strconv.Itoa(summary.Round), strconv.Itoa(summary.Leader), string(summary.Role),
		strconv.Itoa(summary.SubRounds), strconv.FormatBool(summary.Converged), finalF1}

	return errors.Wrap(writer.Write(record), "failed to write record")
}
