package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all threadloom metric instruments.
type Metrics struct {
	EventsStored       metric.Int64Counter
	TaskDuration       metric.Float64Histogram
	TaskPreemptions    metric.Int64Counter
	AttachmentResolves metric.Int64Counter
	AttachmentBytes    metric.Int64Counter
	FetchDuration      metric.Float64Histogram
	TranscodeErrors    metric.Int64Counter
	ActiveBuckets      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsStored, err = meter.Int64Counter("threadloom.events.stored",
		metric.WithDescription("Events persisted to the causal graph"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("threadloom.task.duration",
		metric.WithDescription("Generation task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskPreemptions, err = meter.Int64Counter("threadloom.task.preemptions",
		metric.WithDescription("Running tasks cancelled in favour of a newer submission"),
	)
	if err != nil {
		return nil, err
	}

	m.AttachmentResolves, err = meter.Int64Counter("threadloom.attachment.resolves",
		metric.WithDescription("Attachment resolutions, including cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.AttachmentBytes, err = meter.Int64Counter("threadloom.attachment.bytes",
		metric.WithDescription("Raw attachment bytes fetched or read"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.FetchDuration, err = meter.Float64Histogram("threadloom.attachment.fetch.duration",
		metric.WithDescription("Attachment source fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TranscodeErrors, err = meter.Int64Counter("threadloom.attachment.transcode.errors",
		metric.WithDescription("Transcoder invocations that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveBuckets, err = meter.Int64UpDownCounter("threadloom.scheduler.buckets",
		metric.WithDescription("Registered scheduler buckets"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
