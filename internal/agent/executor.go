package agent

import (
	"context"
	"sync"

	"github.com/forgelabs/forge/internal/tools"
	"github.com/forgelabs/forge/pkg/models"
)

// executeTools fans the reply's tool calls out across a bounded worker
// set and returns results in emission order, so the transcript pairs
// each tool message with its call deterministically.
func (r *Runtime) executeTools(ctx context.Context, ec *tools.ExecutionContext, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, r.cfg.MaxParallelTools)

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = models.ToolResult{
					ToolCallID: call.ID,
					Content:    "cancelled before execution",
					IsError:    true,
					ErrorKind:  models.KindCancelled,
				}
				return
			}
			results[i] = r.executor.Execute(ctx, ec, call)
		}(i, call)
	}
	wg.Wait()
	return results
}
