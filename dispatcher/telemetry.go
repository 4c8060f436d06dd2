package dispatcher

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	mDispatched   = stats.Int64("workrail/dispatcher/dispatched", "work queue entries handed to the task server", stats.UnitDimensionless)
	mCompleted    = stats.Int64("workrail/dispatcher/completed", "workflow executions that completed", stats.UnitDimensionless)
	mFailed       = stats.Int64("workrail/dispatcher/failed", "workflow executions that failed", stats.UnitDimensionless)
	mRetried      = stats.Int64("workrail/dispatcher/retried", "failed executions requeued for retry", stats.UnitDimensionless)
	mDeadLettered = stats.Int64("workrail/dispatcher/dead_lettered", "executions that exhausted their retry budget", stats.UnitDimensionless)
)

// RegisterViews installs count views for the dispatcher measures.
func RegisterViews() error {
	return view.Register(
		&view.View{Name: mDispatched.Name(), Measure: mDispatched, Aggregation: view.Count()},
		&view.View{Name: mCompleted.Name(), Measure: mCompleted, Aggregation: view.Count()},
		&view.View{Name: mFailed.Name(), Measure: mFailed, Aggregation: view.Count()},
		&view.View{Name: mRetried.Name(), Measure: mRetried, Aggregation: view.Count()},
		&view.View{Name: mDeadLettered.Name(), Measure: mDeadLettered, Aggregation: view.Count()},
	)
}
