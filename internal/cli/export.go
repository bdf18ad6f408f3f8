package cli

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
)

// ExportJSON writes st to filename.
func ExportJSON(st runner.Status, filename string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// ExportCSV writes one row per history item.
func ExportCSV(items []storage.HistoryItem, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := []string{
		"id", "startedAt", "endedAt", "durationMs", "destination", "policy",
		"endReason", "launched", "launchFailures", "exited", "failedExits",
		"killed", "degraded", "p50LifetimeMs", "p99LifetimeMs", "error",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	for _, it := range items {
		s := it.Summary
		record := []string{
			it.ID,
			it.StartedAt.Format(time.RFC3339),
			it.EndedAt.Format(time.RFC3339),
			strconv.FormatInt(it.Duration().Milliseconds(), 10),
			it.Destination,
			string(it.Policy),
			string(it.EndReason),
			u(s.Launched),
			u(s.LaunchFailures),
			u(s.Exited),
			u(s.FailedExits),
			u(s.Killed),
			u(s.Degraded),
			strconv.FormatInt(s.P50LifetimeMs, 10),
			strconv.FormatInt(s.P99LifetimeMs, 10),
			it.Error,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}
