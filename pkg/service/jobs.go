package service

import (
	"context"
	"encoding/json"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
	"github.com/pkg/errors"
)

// ExecuteTaskJob is the queue job name for task executions.
const ExecuteTaskJob = "execute-task"

// ExecutePayload is the body of an ExecuteTaskJob.
type ExecutePayload struct {
	TaskID       string `json:"taskId"`
	AttemptToken string `json:"attemptToken"`
}

// Enqueuer is the producer half of a queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
}

func encodeExecutePayload(taskID, token string) ([]byte, error) {
	return json.Marshal(ExecutePayload{TaskID: taskID, AttemptToken: token})
}

// HandleJob adapts Execute to queue.Handler: retryable outcomes request redelivery
// and terminal ones acknowledge the job as failed.
func (e *TaskExecutor) HandleJob(ctx context.Context, job *queue.Job) error {
	var p ExecutePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(errors.Wrapf(err, "job %s: invalid payload", job.ID))
	}
	if p.TaskID == "" {
		return queue.Permanent(errors.Errorf("job %s: missing task id", job.ID))
	}
	token := p.AttemptToken
	if token == "" {
		token = job.ID
	}
	if job.Attempt > 1 {
		e.logger.Debugf("[ExecID: %s] Redelivery %d of task %s", token, job.Attempt, p.TaskID)
	}

	res := e.Execute(ctx, p.TaskID, token)
	switch res.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeTerminal:
		return queue.Permanent(res.Err)
	default:
		if res.Err == nil {
			return errors.Errorf("task %s: retry requested", p.TaskID)
		}
		return res.Err
	}
}

// RegisterJobs installs the executor as the handler of ExecuteTaskJob.
func RegisterJobs(q queue.Queue, e *TaskExecutor) {
	q.Handle(ExecuteTaskJob, e.HandleJob)
}
