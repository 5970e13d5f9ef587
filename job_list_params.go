package delayq

import "github.com/delayq/delayq/dqdriver"

// JobListParams specifies the parameters for a JobList query. It must be
// initialized with NewJobListParams. Params can be built by chaining methods on
// the JobListParams object:
//
//	params := NewJobListParams().Failed().First(10)
type JobListParams struct {
	failedOnly      bool
	paginationCount int
}

// NewJobListParams creates a new JobListParams to return jobs of any kind in
// ID order, returning 100 jobs at most.
func NewJobListParams() *JobListParams {
	return &JobListParams{
		paginationCount: 100,
	}
}

func (p *JobListParams) copy() *JobListParams {
	return &JobListParams{
		failedOnly:      p.failedOnly,
		paginationCount: p.paginationCount,
	}
}

func (p *JobListParams) toDriverParams() *dqdriver.JobListParams {
	return &dqdriver.JobListParams{
		FailedOnly: p.failedOnly,
		Max:        p.paginationCount,
	}
}

// Failed returns an updated filter set that will only return jobs that have
// run out of attempts and been marked failed.
func (p *JobListParams) Failed() *JobListParams {
	paramsCopy := p.copy()
	paramsCopy.failedOnly = true
	return paramsCopy
}

// First returns an updated filter set that will only return the first
// count jobs.
//
// Count must be between 1 and 10000, inclusive, or this will panic.
func (p *JobListParams) First(count int) *JobListParams {
	if count <= 0 {
		panic("count must be > 0")
	}
	if count > 10000 {
		panic("count must be <= 10000")
	}
	paramsCopy := p.copy()
	paramsCopy.paginationCount = count
	return paramsCopy
}
