package metrics

// BusRecorder observes the event bus.
type BusRecorder interface {
	ObserveBusDepth(depth int)
	IncPublished()
}

// LeaseRecorder observes lease synchronisation and entitlement decisions.
type LeaseRecorder interface {
	ObserveFetch(ok bool)
	ObserveEntitlement(granted bool)
}

// MonitorRecorder observes monitor dispatch.
type MonitorRecorder interface {
	IncDispatched(category string)
	ObserveFleetPercent(total, max int)
}
