package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/linkval/pkg/compiler"
	"github.com/openfroyo/linkval/pkg/guard"
)

// Request is one instance to validate in a batch.
type Request struct {
	// ID identifies the request in results. An empty ID is replaced by a
	// generated one.
	ID        string         `json:"id,omitempty"`
	SchemaID  string         `json:"schema_id"`
	ClassName string         `json:"class_name"`
	Instance  map[string]any `json:"instance"`
}

// Result is the outcome of one Request.
type Result struct {
	RequestID string           `json:"request_id"`
	Report    *compiler.Report `json:"report,omitempty"`
	Err       error            `json:"-"`
}

// ValidateBatch validates reqs on the request pool. Results are returned in
// request order; one failing request never affects the others. Requests not
// started before ctx is done fail with the context error.
func (s *Service) ValidateBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	for i := range reqs {
		if reqs[i].ID == "" {
			reqs[i].ID = uuid.NewString()
		}
		results[i].RequestID = reqs[i].ID
	}

	workerCount := min(s.cfg.ValidationWorkers, len(reqs))

	workQueue := make(chan int, len(reqs))
	for i := range reqs {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for range workerCount {
		wg.Add(1)
		workerCtx := guard.Fork(ctx)
		go func() {
			defer wg.Done()

			for i := range workQueue {
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					continue
				}
				req := reqs[i]
				results[i].Report, results[i].Err = s.Validate(workerCtx, req.SchemaID, req.ClassName, req.Instance)
			}
		}()
	}
	wg.Wait()

	s.logger.Debug().Int("requests", len(reqs)).Int("workers", workerCount).Msg("batch validated")
	return results
}
