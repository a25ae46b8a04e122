package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/anonymizer"
	"github.com/gridlens/gridlens/internal/observability"
	"github.com/gridlens/gridlens/internal/output"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

var (
	enqueueResource   string
	enqueueEndpoint   string
	enqueueParams     map[string]string
	enqueuePeriod     string
	enqueuePriority   string
	enqueueSubjectKey string
	enqueueCategory   string
	enqueueSubject    []string
	enqueueFile       string
)

// enqueueFileSpec is the YAML layout accepted by --file. Top-level fields
// are defaults for every entry in jobs.
type enqueueFileSpec struct {
	Resource string                    `yaml:"resource"`
	Endpoint string                    `yaml:"endpoint"`
	Period   string                    `yaml:"period"`
	Priority string                    `yaml:"priority"`
	Jobs     []handlers.EnqueueRequest `yaml:"jobs"`
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add enrichment jobs to the queue",
	Long: `Add enrichment jobs to the queue. Re-enqueueing a job with the same
resource, period and subject is reported as already_exists.

Raw identifiers passed with --subject are hashed with the salt of
--subject-category before anything is stored. Use --file to enqueue a YAML
batch:

  resource: tariffs
  endpoint: /v1/tariffs
  period: 2025-01
  jobs:
    - subject: {category: supply_point, fields: [ES0021000000000000AA]}
    - subject_key: 3f1c...
      priority: high`,
	Example: `  gridlens enqueue --resource tariffs --endpoint /v1/tariffs \
    --subject-category supply_point --subject ES0021000000000000AA --period 2025-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		requests, err := enqueueRequests()
		if err != nil {
			return err
		}

		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		api := &handlers.API{}
		if needsAnonymizer(requests) {
			anon, err := anonymizer.New(cfg.Anonymizer.Salts)
			if err != nil {
				return err
			}
			api.Anonymizer = anon
		}
		if err := checkResources(cfg, requests); err != nil {
			return err
		}

		p, err := newPipeline(cmd.Context(), cfg, observability.Current(), pipelineOptions{})
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		rows := make([]output.EnqueueRow, 0, len(requests))
		for i, req := range requests {
			job, err := api.BuildJob(req)
			if err != nil {
				return fmt.Errorf("job %d: %w", i+1, err)
			}
			result, err := p.queue.Enqueue(cmd.Context(), job)
			if err != nil {
				return fmt.Errorf("job %d: %w", i+1, err)
			}
			rows = append(rows, output.EnqueueRow{
				DedupKey: job.DedupKey,
				Resource: job.Payload.Resource,
				Priority: job.Priority.String(),
				Result:   result.String(),
			})
		}

		return render(cmd, func(f output.Formatter) (string, error) { return f.FormatEnqueue(rows) })
	},
}

func enqueueRequests() ([]handlers.EnqueueRequest, error) {
	if strings.TrimSpace(enqueueFile) != "" {
		return readEnqueueFile(enqueueFile)
	}

	req := handlers.EnqueueRequest{
		Resource:   enqueueResource,
		Endpoint:   enqueueEndpoint,
		Params:     enqueueParams,
		Period:     enqueuePeriod,
		Priority:   enqueuePriority,
		SubjectKey: enqueueSubjectKey,
	}
	if len(enqueueSubject) > 0 {
		if strings.TrimSpace(enqueueCategory) == "" {
			return nil, fmt.Errorf("--subject requires --subject-category")
		}
		if strings.TrimSpace(enqueueSubjectKey) != "" {
			return nil, fmt.Errorf("--subject and --subject-key are mutually exclusive")
		}
		req.Subject = &handlers.SubjectRequest{Category: enqueueCategory, Fields: enqueueSubject}
	}
	return []handlers.EnqueueRequest{req}, nil
}

func readEnqueueFile(path string) ([]handlers.EnqueueRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc enqueueFileSpec
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("%s: no jobs", path)
	}

	requests := make([]handlers.EnqueueRequest, 0, len(doc.Jobs))
	for _, req := range doc.Jobs {
		if req.Resource == "" {
			req.Resource = doc.Resource
		}
		if req.Endpoint == "" {
			req.Endpoint = doc.Endpoint
		}
		if req.Period == "" {
			req.Period = doc.Period
		}
		if req.Priority == "" {
			req.Priority = doc.Priority
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func needsAnonymizer(requests []handlers.EnqueueRequest) bool {
	for _, req := range requests {
		if req.Subject != nil {
			return true
		}
	}
	return false
}

// checkResources rejects jobs for resources no worker would dispatch.
func checkResources(cfg *config.Config, requests []handlers.EnqueueRequest) error {
	for i, req := range requests {
		name := strings.ToLower(strings.TrimSpace(req.Resource))
		if _, ok := cfg.Resources[name]; !ok {
			return fmt.Errorf("job %d: %w %q (configured: %s)", i+1, core.ErrUnknownResource, req.Resource, strings.Join(cfg.ResourceNames(), ", "))
		}
	}
	return nil
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueResource, "resource", "", "Third-party resource name")
	enqueueCmd.Flags().StringVar(&enqueueEndpoint, "endpoint", "", "Endpoint path on the resource")
	enqueueCmd.Flags().StringToStringVar(&enqueueParams, "param", nil, "Query parameter key=value (repeatable)")
	enqueueCmd.Flags().StringVar(&enqueuePeriod, "period", "", "Billing period, part of the dedup key")
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "medium", "Priority: high|medium|low")
	enqueueCmd.Flags().StringVar(&enqueueSubjectKey, "subject-key", "", "Precomputed subject key (64-character lowercase hex digest from the anonymizer)")
	enqueueCmd.Flags().StringVar(&enqueueCategory, "subject-category", "", "Anonymizer category for --subject")
	enqueueCmd.Flags().StringSliceVar(&enqueueSubject, "subject", nil, "Raw identifier field(s) to anonymize")
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "YAML file of jobs to enqueue")
	addOutputFlags(enqueueCmd)

	rootCmd.AddCommand(enqueueCmd)
}
