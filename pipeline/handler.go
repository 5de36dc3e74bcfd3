package pipeline

import (
	"context"

	"github.com/trellisfw/target-helper/pulse/async"
	"github.com/trellisfw/target-helper/pulse/lifecycle"
)

// Handler serves one job type: it waits for the engine to finish the job
// and then runs the pipeline over its result.
type Handler struct {
	jobType    string
	controller *lifecycle.Controller
	pipeline   *Pipeline
}

var _ async.JobHandler = (*Handler)(nil)

// NewHandler creates the handler of jobType
func NewHandler(jobType string, controller *lifecycle.Controller, p *Pipeline) *Handler {
	return &Handler{jobType: jobType, controller: controller, pipeline: p}
}

// Register adds the transcription and asn handlers to reg
func Register(reg *async.HandlerRegistry, controller *lifecycle.Controller, p *Pipeline) {
	reg.Register(NewHandler(async.TypeTranscription, controller, p))
	reg.Register(NewHandler(async.TypeASN, controller, p))
}

// Name implements async.JobHandler
func (h *Handler) Name() string {
	return h.jobType
}

// Execute implements async.JobHandler
func (h *Handler) Execute(ctx context.Context, job *async.Job) (map[string]interface{}, error) {
	if _, err := h.controller.Await(ctx, job); err != nil {
		return nil, err
	}
	out, err := h.pipeline.Run(ctx, job)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}
