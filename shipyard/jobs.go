package shipyard

import (
	"context"
	"fmt"

	"tangled.sh/tangled.sh/shipyard/shipyard/queue"
)

func queueJob(s *Shipyard, id int64) queue.Job {
	return queue.Job{
		RunID: id,
		Run: func(ctx context.Context) error {
			res, err := s.RunID(ctx, id)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("run %d failed at %s", id, res.FailedStage)
			}
			return nil
		},
		OnFail: func(jobError error) {
			s.l.Error("pipeline run failed", "run", id, "error", jobError)
		},
	}
}
