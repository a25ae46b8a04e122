package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gridlens/gridlens/internal/core"
)

// TableFormatter renders results as an ASCII table, or a Markdown table
// when Markdown is set.
type TableFormatter struct {
	Markdown bool
}

func (f *TableFormatter) FormatJobs(jobs []core.EnrichmentJob) (string, error) {
	t := f.writer()
	t.AppendHeader(table.Row{"ID", "Resource", "Endpoint", "Priority", "Status", "Attempts", "Requested", "Reason"})
	for _, job := range jobs {
		t.AppendRow(table.Row{
			shortKey(job.ID),
			job.Payload.Resource,
			job.Payload.Endpoint,
			job.Priority.String(),
			string(job.Status),
			job.AttemptCount,
			job.RequestedAt.UTC().Format(time.RFC3339),
			job.FailureReason,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "total", len(jobs)})
	return f.render(t), nil
}

func (f *TableFormatter) FormatStats(stats core.JobStats) (string, error) {
	t := f.writer()
	t.AppendHeader(table.Row{"Status", "Jobs"})
	for _, status := range core.AllJobStatuses {
		t.AppendRow(table.Row{string(status), stats[status]})
	}
	t.AppendFooter(table.Row{"total", stats.Total()})
	return f.render(t), nil
}

func (f *TableFormatter) FormatResources(resources []core.ResourceStatus) (string, error) {
	t := f.writer()
	t.AppendHeader(table.Row{"Resource", "Status", "Minute", "Hour", "Failures", "Backoff Until", "Opened"})
	for _, res := range resources {
		t.AppendRow(table.Row{
			res.Name,
			string(res.Status),
			fmt.Sprintf("%d/%d", res.Limits.MinuteCount, res.Limits.CallsPerMinute),
			fmt.Sprintf("%d/%d", res.Limits.HourCount, res.Limits.CallsPerHour),
			fmt.Sprintf("%d/%d", res.Limits.ConsecutiveFailures, res.Limits.MaxFailures),
			formatTime(res.Limits.BackoffUntil),
			formatTime(res.OpenedAt),
		})
	}
	return f.render(t), nil
}

func (f *TableFormatter) FormatEnqueue(rows []EnqueueRow) (string, error) {
	t := f.writer()
	t.AppendHeader(table.Row{"Dedup Key", "Resource", "Priority", "Result"})
	inserted := 0
	for _, row := range rows {
		if row.Result == core.Inserted.String() {
			inserted++
		}
		t.AppendRow(table.Row{shortKey(row.DedupKey), row.Resource, row.Priority, row.Result})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d/%d inserted", inserted, len(rows))})
	return f.render(t), nil
}

func (f *TableFormatter) writer() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func (f *TableFormatter) render(t table.Writer) string {
	if f.Markdown {
		return t.RenderMarkdown()
	}
	return t.Render()
}

func formatTime(value *time.Time) string {
	if value == nil {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}
