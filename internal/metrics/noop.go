package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventDispatched(eventType string, subscribers int)                         {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) SweepStarted()                                                             {}
func (n *NoopSink) SweepCompleted(duration time.Duration, claimed int, err error)             {}
func (n *NoopSink) SweepSkipped()                                                             {}
func (n *NoopSink) ManualRetry()                                                              {}
func (n *NoopSink) AlertFired(eventType string)                                               {}
func (n *NoopSink) AlertRecovered(eventType string)                                           {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                            {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                                 {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) StalePendingRequeued(count int)                                            {}
func (n *NoopSink) DeliveriesPruned(count int)                                                {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                         {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(reason string)                                                  {}
