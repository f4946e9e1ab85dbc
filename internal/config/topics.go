package config

const (
	// TopicSourceRemoved carries source removal notifications so every scheduler
	// instance stops future triggers for the source.
	TopicSourceRemoved = "source.removed"

	// TopicJobDeadLettered is the operator-visible channel for jobs that
	// exhausted their attempts or failed fatally.
	TopicJobDeadLettered = "job.deadletter"

	// TopicFetchMetrics receives one event per fetch execution.
	TopicFetchMetrics = "fetch.metrics"

	// ChannelScheduler is the NSQ channel the scheduler consumes removals on.
	ChannelScheduler = "scheduler"
)
