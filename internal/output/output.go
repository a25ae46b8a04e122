package output

import (
	"fmt"
	"strings"

	"github.com/gridlens/gridlens/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// EnqueueRow is one line of an enqueue report.
type EnqueueRow struct {
	DedupKey string `json:"dedup_key"`
	Resource string `json:"resource"`
	Priority string `json:"priority"`
	Result   string `json:"result"`
}

// Formatter renders queue and resource views.
type Formatter interface {
	FormatJobs(jobs []core.EnrichmentJob) (string, error)
	FormatStats(stats core.JobStats) (string, error)
	FormatResources(resources []core.ResourceStatus) (string, error)
	FormatEnqueue(rows []EnqueueRow) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &TableFormatter{Markdown: true}
	default:
		return &TableFormatter{}
	}
}

// shortKey abbreviates hex digests for table cells.
func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "…"
}
