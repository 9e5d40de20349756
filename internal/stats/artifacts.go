// Package stats persists evaluation run artifacts: a JSON summary, the
// per-window routing telemetry as CSV, and an index of runs.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ringroute/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	evalFile       = "eval.json"
	telemetryFile  = "telemetry_windows.csv"
	countSeparator = ";"
)

var telemetryHeader = []string{"window", "total", "entropy", "normalized_entropy", "max_share", "active_count", "counts"}

type EvalRun struct {
	RunID        string              `json:"run_id"`
	CheckpointID string              `json:"checkpoint_id"`
	WorkloadID   string              `json:"workload_id"`
	Episodes     int                 `json:"episodes"`
	Steps        int                 `json:"steps"`
	Seed         int64               `json:"seed"`
	FinalStep    int64               `json:"final_step"`
	ExitRate     float64             `json:"exit_rate"`
	Telemetry    model.UsageReport   `json:"telemetry"`
	Windows      []model.UsageReport `json:"-"`
	Materialized []int               `json:"materialized"`
	CreatedAtUTC string              `json:"created_at_utc"`
}

type RunIndexEntry struct {
	RunID             string  `json:"run_id"`
	CheckpointID      string  `json:"checkpoint_id"`
	Episodes          int     `json:"episodes"`
	Steps             int     `json:"steps"`
	Seed              int64   `json:"seed"`
	NormalizedEntropy float64 `json:"normalized_entropy"`
	MaxShare          float64 `json:"max_share"`
	CreatedAtUTC      string  `json:"created_at_utc"`
}

// IndexEntry summarizes run for the run index.
func (run EvalRun) IndexEntry() RunIndexEntry {
	return RunIndexEntry{
		RunID:             run.RunID,
		CheckpointID:      run.CheckpointID,
		Episodes:          run.Episodes,
		Steps:             run.Steps,
		Seed:              run.Seed,
		NormalizedEntropy: run.Telemetry.NormalizedEntropy,
		MaxShare:          run.Telemetry.MaxShare,
		CreatedAtUTC:      run.CreatedAtUTC,
	}
}

// WriteEvalArtifacts writes run under baseDir/<run id> and returns that directory.
func WriteEvalArtifacts(baseDir string, run EvalRun) (string, error) {
	if run.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	runDir := filepath.Join(baseDir, run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, evalFile), run); err != nil {
		return "", err
	}
	if err := writeTelemetryWindows(filepath.Join(runDir, telemetryFile), run.Windows); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadEvalRun(baseDir, runID string) (EvalRun, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, evalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return EvalRun{}, false, nil
		}
		return EvalRun{}, false, err
	}
	var run EvalRun
	if err := json.Unmarshal(data, &run); err != nil {
		return EvalRun{}, false, err
	}
	windows, _, err := ReadTelemetryWindows(baseDir, runID)
	if err != nil {
		return EvalRun{}, false, err
	}
	run.Windows = windows
	return run, true, nil
}

func writeTelemetryWindows(path string, windows []model.UsageReport) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(telemetryHeader); err != nil {
		return err
	}
	for i, w := range windows {
		counts := make([]string, len(w.Counts))
		for j, c := range w.Counts {
			counts[j] = strconv.FormatInt(c, 10)
		}
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatInt(w.Total, 10),
			strconv.FormatFloat(w.Entropy, 'f', -1, 64),
			strconv.FormatFloat(w.NormalizedEntropy, 'f', -1, 64),
			strconv.FormatFloat(w.MaxShare, 'f', -1, 64),
			strconv.Itoa(w.ActiveCount),
			strings.Join(counts, countSeparator),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadTelemetryWindows(baseDir, runID string) ([]model.UsageReport, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, telemetryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(telemetryHeader)
	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []model.UsageReport{}, true, nil
		}
		return nil, false, err
	}

	windows := make([]model.UsageReport, 0, 16)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		w, err := parseWindow(record)
		if err != nil {
			return nil, false, fmt.Errorf("telemetry window %s: %w", record[0], err)
		}
		windows = append(windows, w)
	}
	return windows, true, nil
}

func parseWindow(record []string) (model.UsageReport, error) {
	var (
		w   model.UsageReport
		err error
	)
	if w.Total, err = strconv.ParseInt(record[1], 10, 64); err != nil {
		return w, err
	}
	if w.Entropy, err = strconv.ParseFloat(record[2], 64); err != nil {
		return w, err
	}
	if w.NormalizedEntropy, err = strconv.ParseFloat(record[3], 64); err != nil {
		return w, err
	}
	if w.MaxShare, err = strconv.ParseFloat(record[4], 64); err != nil {
		return w, err
	}
	if w.ActiveCount, err = strconv.Atoi(record[5]); err != nil {
		return w, err
	}
	if record[6] != "" {
		for _, field := range strings.Split(record[6], countSeparator) {
			c, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return w, err
			}
			w.Counts = append(w.Counts, c)
		}
	}
	return w, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns runs newest first. Entries with equal timestamps keep
// the later-appended one first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := entries[order[a]], entries[order[b]]
		if ea.CreatedAtUTC == eb.CreatedAtUTC {
			return order[a] > order[b]
		}
		return ea.CreatedAtUTC > eb.CreatedAtUTC
	})
	sorted := make([]RunIndexEntry, 0, len(entries))
	for _, i := range order {
		sorted = append(sorted, entries[i])
	}
	return sorted, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
