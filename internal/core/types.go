package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders jobs at claim time. Lower values are claimed first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts a user-supplied label into a Priority.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high", "h", "0":
		return PriorityHigh, nil
	case "", "medium", "m", "1":
		return PriorityMedium, nil
	case "low", "l", "2":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority: %s", value)
	}
}

// MarshalText renders the priority label.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority label.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// JobStatus is the lifecycle state of an enrichment job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// AllJobStatuses lists statuses in lifecycle order.
var AllJobStatuses = []JobStatus{JobPending, JobClaimed, JobCompleted, JobFailed}

// ParseJobStatus validates a status label.
func ParseJobStatus(value string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range AllJobStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown job status: %s", value)
}

// Payload is the typed request carried by a job.
type Payload struct {
	Resource   string            `json:"resource" yaml:"resource"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	SubjectKey string            `json:"subject_key" yaml:"subject_key"`
	Period     string            `json:"period,omitempty" yaml:"period,omitempty"`
}

// Validate checks the payload carries enough information to be dispatched.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Resource) == "" {
		return errors.New("payload resource is required")
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		return errors.New("payload endpoint is required")
	}
	if strings.TrimSpace(p.SubjectKey) == "" {
		return errors.New("payload subject key is required")
	}
	for key := range p.Params {
		if strings.TrimSpace(key) == "" {
			return errors.New("payload params must not contain empty keys")
		}
	}
	return nil
}

// EnrichmentJob is a single unit of enrichment work.
type EnrichmentJob struct {
	ID            string     `json:"id"`
	DedupKey      string     `json:"dedup_key"`
	Priority      Priority   `json:"priority"`
	Status        JobStatus  `json:"status"`
	Payload       Payload    `json:"payload"`
	RequestedAt   time.Time  `json:"requested_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	FailureReason string     `json:"failure_reason,omitempty"`
	// ClaimToken identifies the claim that moved the job to claimed. A
	// requeue followed by a new claim replaces it.
	ClaimToken string `json:"-"`
}

// Resource returns the third-party resource the job targets.
func (j EnrichmentJob) Resource() string {
	return j.Payload.Resource
}

// Claim returns the claim held on j.
func (j EnrichmentJob) Claim() Claim {
	return Claim{ID: j.ID, Token: j.ClaimToken}
}

// Claim names a claimed job and the token of the claim a worker holds. An
// empty Token matches whichever claim is current.
type Claim struct {
	ID    string
	Token string
}

// Matches reports whether token satisfies the claim.
func (c Claim) Matches(token string) bool {
	return c.Token == "" || c.Token == token
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   JobStatus
	Resource string
	Limit    int
}

// JobStats counts jobs per status.
type JobStats map[JobStatus]int

// Total sums all counted jobs.
func (s JobStats) Total() int {
	total := 0
	for _, count := range s {
		total += count
	}
	return total
}

// EnqueueResult reports whether an enqueue stored a new row.
type EnqueueResult int

const (
	Inserted EnqueueResult = iota
	AlreadyExists
)

func (r EnqueueResult) String() string {
	if r == AlreadyExists {
		return "already_exists"
	}
	return "inserted"
}

// APIStatus is the breaker state of a third-party resource.
type APIStatus string

const (
	APIActive      APIStatus = "active"
	APIRateLimited APIStatus = "rate_limited"
	APIError       APIStatus = "error"
	APIDisabled    APIStatus = "disabled"
)

// Response is the outcome of an external call.
type Response struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
	RetryAfter time.Duration
}

// Successful reports a 2xx status.
func (r *Response) Successful() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}
