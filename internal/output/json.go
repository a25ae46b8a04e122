package output

import (
	"encoding/json"

	"github.com/gridlens/gridlens/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) FormatJobs(jobs []core.EnrichmentJob) (string, error) {
	if jobs == nil {
		jobs = []core.EnrichmentJob{}
	}
	return f.encode(jobs)
}

// FormatStats renders every known status, including zero counts.
func (f *JSONFormatter) FormatStats(stats core.JobStats) (string, error) {
	counts := make(map[string]int, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		counts[string(status)] = stats[status]
	}
	return f.encode(struct {
		Counts map[string]int `json:"counts"`
		Total  int            `json:"total"`
	}{Counts: counts, Total: stats.Total()})
}

func (f *JSONFormatter) FormatResources(resources []core.ResourceStatus) (string, error) {
	if resources == nil {
		resources = []core.ResourceStatus{}
	}
	return f.encode(resources)
}

func (f *JSONFormatter) FormatEnqueue(rows []EnqueueRow) (string, error) {
	if rows == nil {
		rows = []EnqueueRow{}
	}
	return f.encode(rows)
}

func (f *JSONFormatter) encode(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
