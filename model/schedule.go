package model

// Schedule is the typed schedule definition handed to the scheduler.
type Schedule struct {
	Type             ScheduleType
	CronExpression   string
	IntervalSeconds  int
	ParentExternalId string
}

func Cron(expression string) Schedule {
	return Schedule{Type: SCHEDULE_TYPE_CRON, CronExpression: expression}
}

func Every(seconds int) Schedule {
	return Schedule{Type: SCHEDULE_TYPE_INTERVAL, IntervalSeconds: seconds}
}

func DependentOn(parentExternalId string) Schedule {
	return Schedule{Type: SCHEDULE_TYPE_DEPENDENT, ParentExternalId: parentExternalId}
}

// OnDemand manifests only run through TriggerNow.
func OnDemand() Schedule {
	return Schedule{Type: SCHEDULE_TYPE_NONE}
}

type Options struct {
	MaxRetries     int
	TimeoutSeconds int
	GroupId        string
	Priority       int
	Disabled       bool
}
