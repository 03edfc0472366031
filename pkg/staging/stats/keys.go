package stats

// Key names a statistic published by a step.
type Key string

const (
	ReceivedBatches    Key = "received_batches"
	DoneBatches        Key = "done_batches"
	QueueSize          Key = "queue_size"
	Processors         Key = "processors"
	ReorderPending     Key = "reorder_pending"
	UpstreamIdleTime   Key = "upstream_idle_time"
	DownstreamIdleTime Key = "downstream_idle_time"
	BackpressureTime   Key = "backpressure_time"
	ProcessingTime     Key = "processing_time"
	AvgProcessingTime  Key = "avg_processing_time"
	MaxProcessingTime  Key = "max_processing_time"
	AbandonedBatches   Key = "abandoned_batches"
)

var durationKeys = map[Key]bool{
	UpstreamIdleTime:   true,
	DownstreamIdleTime: true,
	BackpressureTime:   true,
	ProcessingTime:     true,
	AvgProcessingTime:  true,
	MaxProcessingTime:  true,
}

// IsDuration reports whether values under k are nanosecond durations.
func (k Key) IsDuration() bool {
	return durationKeys[k]
}

var cumulativeKeys = map[Key]bool{
	ReceivedBatches:    true,
	DoneBatches:        true,
	AbandonedBatches:   true,
	UpstreamIdleTime:   true,
	DownstreamIdleTime: true,
	BackpressureTime:   true,
	ProcessingTime:     true,
}

// IsCumulative reports whether values under k only grow during a run.
func (k Key) IsCumulative() bool {
	return cumulativeKeys[k]
}
