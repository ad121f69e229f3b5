package tasks

import (
	"context"
	"fmt"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/extractor"
)

// Stage names of the collect-then-extract chain.
const (
	StageCollect = "collect"
	StageExtract = "extract"
)

// StageFunc runs one stage of a job. The result is stored with the chain
// state under the stage name.
type StageFunc func(ctx context.Context, job *Job) (any, error)

type Stage struct {
	Name string
	Run  StageFunc
}

// Pipeline is an ordered list of stages. A stage error ends the chain.
type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// CollectorRunner runs one collector invocation.
type CollectorRunner interface {
	Run(ctx context.Context, collectorID int64, taskID string) (*collector.RunResult, error)
}

// MessageExtractor extracts mentions from a collector's new messages.
type MessageExtractor interface {
	ProcessCollectorMessages(ctx context.Context, collectorID int64, limit int) (extractor.Stats, error)
}

// CollectExtract is the collect-then-extract chain.
func CollectExtract(runner CollectorRunner, ext MessageExtractor, extractLimit int) *Pipeline {
	return NewPipeline(
		Stage{Name: StageCollect, Run: func(ctx context.Context, job *Job) (any, error) {
			result, err := runner.Run(ctx, job.CollectorID, job.TaskID)
			if err != nil {
				return result, fmt.Errorf("collect: %w", err)
			}
			return result, nil
		}},
		Stage{Name: StageExtract, Run: func(ctx context.Context, job *Job) (any, error) {
			stats, err := ext.ProcessCollectorMessages(ctx, job.CollectorID, extractLimit)
			if err != nil {
				return stats, fmt.Errorf("extract: %w", err)
			}
			return stats, nil
		}},
	)
}
