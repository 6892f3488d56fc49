package passes

import (
	"fmt"

	"github.com/MimeLyc/contentpipe/internal/jobs"
)

// Default returns the eight executors in pass order.
func Default(opts DraftOptions) []Executor {
	ret := make([]Executor, 0, jobs.TotalPasses)
	ret = append(ret, NewDraftPass(opts))
	for n := 2; n < jobs.TotalPasses; n++ {
		ret = append(ret, NewTransformPass(n))
	}
	return append(ret, NewAuditPass())
}

// Validate checks that executors cover passes 1..8 exactly, in order.
func Validate(executors []Executor) error {
	if len(executors) != jobs.TotalPasses {
		return fmt.Errorf("expected %d executors, got %d", jobs.TotalPasses, len(executors))
	}
	for i, e := range executors {
		if e.Number() != i+1 {
			return fmt.Errorf("executor at position %d reports pass %d", i+1, e.Number())
		}
	}
	return nil
}
