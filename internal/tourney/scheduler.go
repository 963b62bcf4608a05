package tourney

import (
	"time"

	"github.com/go-co-op/gocron/v2"
)

// EvalInterval is how often the evaluator runs.
const EvalInterval = 30 * time.Second

// StartScheduler runs tick on a fixed interval. The tick itself only
// posts a message into the hub loop; all state mutation stays on the
// hub goroutine.
func StartScheduler(tick func()) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if _, err := sched.NewJob(gocron.DurationJob(EvalInterval), gocron.NewTask(tick)); err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}
