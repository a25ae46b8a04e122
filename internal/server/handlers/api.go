package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/anonymizer"
	apperrors "github.com/gridlens/gridlens/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxEnqueueBody   = 1 << 20
)

// JobQueue is the subset of the queue the API exposes.
type JobQueue interface {
	Enqueue(ctx context.Context, job core.EnrichmentJob) (core.EnqueueResult, error)
	List(ctx context.Context, filter core.JobFilter) ([]core.EnrichmentJob, error)
	Stats(ctx context.Context) (core.JobStats, error)
}

// ResourceController reports and toggles per-resource breaker state.
type ResourceController interface {
	Statuses() []core.ResourceStatus
	Status(resource string) (core.ResourceStatus, error)
	Disable(resource string) error
	Enable(resource string) error
	Has(resource string) bool
}

// API serves the /v1 job and resource endpoints.
type API struct {
	Queue      JobQueue
	Resources  ResourceController
	Anonymizer *anonymizer.Anonymizer
}

// SubjectRequest carries raw identifiers that are hashed before enqueue.
type SubjectRequest struct {
	Category string   `json:"category" yaml:"category"`
	Fields   []string `json:"fields" yaml:"fields"`
}

// EnqueueRequest is the POST /v1/jobs body. Either SubjectKey or Subject
// must be set; raw Subject fields never reach the store.
type EnqueueRequest struct {
	Resource   string            `json:"resource" yaml:"resource"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Period     string            `json:"period,omitempty" yaml:"period,omitempty"`
	Priority   string            `json:"priority,omitempty" yaml:"priority,omitempty"`
	SubjectKey string            `json:"subject_key,omitempty" yaml:"subject_key,omitempty"`
	Subject    *SubjectRequest   `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// EnqueueResponse reports the dedup key and whether a row was stored.
type EnqueueResponse struct {
	DedupKey string `json:"dedup_key"`
	Result   string `json:"result"`
}

// JobListResponse wraps job listings.
type JobListResponse struct {
	Jobs  []core.EnrichmentJob `json:"jobs"`
	Count int                  `json:"count"`
}

// StatsResponse reports per-status counts.
type StatsResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// ResourcesResponse lists breaker and window state per resource.
type ResourcesResponse struct {
	Resources []core.ResourceStatus `json:"resources"`
}

// ListResources handles GET /v1/resources.
func (a *API) ListResources(w http.ResponseWriter, r *http.Request) {
	if a.Resources == nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), core.ErrStoreNotConfigured, "resource manager unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, ResourcesResponse{Resources: a.Resources.Statuses()})
}

// GetResource handles GET /v1/resources/{name}.
func (a *API) GetResource(w http.ResponseWriter, r *http.Request) {
	if a.Resources == nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), core.ErrStoreNotConfigured, "resource manager unavailable"))
		return
	}
	name := chi.URLParam(r, "name")
	status, err := a.Resources.Status(name)
	if err != nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), err, "resource not found: "+name))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DisableResource handles POST /v1/resources/{name}/disable.
func (a *API) DisableResource(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, true)
}

// EnableResource handles POST /v1/resources/{name}/enable.
func (a *API) EnableResource(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, false)
}

func (a *API) toggle(w http.ResponseWriter, r *http.Request, disable bool) {
	if a.Resources == nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), core.ErrStoreNotConfigured, "resource manager unavailable"))
		return
	}
	name := chi.URLParam(r, "name")
	var err error
	if disable {
		err = a.Resources.Disable(name)
	} else {
		err = a.Resources.Enable(name)
	}
	if err != nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), err, "resource not found: "+name))
		return
	}
	status, err := a.Resources.Status(name)
	if err != nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), err, "resource not found: "+name))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// JobStats handles GET /v1/jobs/stats.
func (a *API) JobStats(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), core.ErrStoreNotConfigured, "job queue unavailable"))
		return
	}
	stats, err := a.Queue.Stats(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to load job stats"))
		return
	}
	counts := make(map[string]int, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		counts[string(status)] = stats[status]
	}
	writeJSON(w, http.StatusOK, StatsResponse{Counts: counts, Total: stats.Total()})
}

// ListJobs handles GET /v1/jobs?status=&resource=&limit=.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), core.ErrStoreNotConfigured, "job queue unavailable"))
		return
	}
	query := r.URL.Query()
	filter := core.JobFilter{
		Resource: strings.ToLower(strings.TrimSpace(query.Get("resource"))),
		Limit:    defaultListLimit,
	}
	if raw := query.Get("status"); raw != "" {
		status, err := core.ParseJobStatus(raw)
		if err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid status filter"))
			return
		}
		filter.Status = status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	jobs, err := a.Queue.List(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to list jobs"))
		return
	}
	if jobs == nil {
		jobs = []core.EnrichmentJob{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// EnqueueJob handles POST /v1/jobs. A new row answers 201; a duplicate
// dedup key answers 200 with result already_exists.
func (a *API) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		respondWithError(w, r, apperrors.FromDomain(r.Context(), core.ErrStoreNotConfigured, "job queue unavailable"))
		return
	}

	var req EnqueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid request body"))
		return
	}

	job, err := a.BuildJob(req)
	if err != nil {
		respondWithError(w, r, a.requestError(r.Context(), err))
		return
	}

	result, err := a.Queue.Enqueue(r.Context(), job)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to enqueue job"))
		return
	}

	status := http.StatusCreated
	if result == core.AlreadyExists {
		status = http.StatusOK
	}
	writeJSON(w, status, EnqueueResponse{DedupKey: job.DedupKey, Result: result.String()})
}

// BuildJob turns a request into a pending job, deriving the subject key
// when raw identifiers are supplied.
func (a *API) BuildJob(req EnqueueRequest) (core.EnrichmentJob, error) {
	priority := core.PriorityMedium
	if strings.TrimSpace(req.Priority) != "" {
		parsed, err := core.ParsePriority(req.Priority)
		if err != nil {
			return core.EnrichmentJob{}, err
		}
		priority = parsed
	}

	subjectKey := strings.TrimSpace(req.SubjectKey)
	if req.Subject != nil {
		if a.Anonymizer == nil {
			return core.EnrichmentJob{}, core.ErrMissingSalt
		}
		derived, err := a.Anonymizer.Derive(req.Subject.Category, req.Subject.Fields...)
		if err != nil {
			return core.EnrichmentJob{}, err
		}
		subjectKey = derived
	} else if subjectKey != "" {
		if err := anonymizer.ValidateKey(subjectKey); err != nil {
			return core.EnrichmentJob{}, err
		}
	}

	payload := core.Payload{
		Resource:   strings.ToLower(strings.TrimSpace(req.Resource)),
		Endpoint:   strings.TrimSpace(req.Endpoint),
		Params:     req.Params,
		SubjectKey: subjectKey,
		Period:     strings.TrimSpace(req.Period),
	}
	if err := payload.Validate(); err != nil {
		return core.EnrichmentJob{}, err
	}
	if a.Resources != nil && !a.Resources.Has(payload.Resource) {
		return core.EnrichmentJob{}, fmt.Errorf("%w: %s", core.ErrUnknownResource, payload.Resource)
	}

	return core.EnrichmentJob{
		DedupKey: anonymizer.DedupKey(payload.Resource, payload.Period, payload.SubjectKey),
		Priority: priority,
		Payload:  payload,
	}, nil
}

func (a *API) requestError(ctx context.Context, err error) error {
	if stderrors.Is(err, core.ErrMissingSalt) {
		return apperrors.FromDomain(ctx, err, "anonymizer is not configured for this subject")
	}
	return apperrors.WrapInvalidInput(ctx, err, err.Error())
}
