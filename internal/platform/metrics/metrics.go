package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playback engine and
// its control API.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	playersCreatedTotal   prometheus.Counter
	activePlayers         prometheus.Gauge
	stateTransitionsTotal *prometheus.CounterVec
	stallsTotal           prometheus.Counter
	segmentsLoadedTotal   prometheus.Counter
	segmentsSkippedTotal  prometheus.Counter
	fetchRetriesTotal     prometheus.Counter
	segmentBytes          prometheus.Histogram
	framesPresentedTotal  *prometheus.CounterVec
	syncCorrectionsTotal  *prometheus.CounterVec
	framesDiscardedTotal  *prometheus.CounterVec
	discontinuitiesTotal  prometheus.Counter
	eventsDroppedTotal    prometheus.Counter
	sessionErrorsTotal    prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_api_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_api_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	playersCreatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_created_total",
		Help: "Total number of players created",
	})
	activePlayers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "player_active",
		Help: "Number of players not in a terminal state",
	})
	stateTransitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_state_transitions_total",
		Help: "Playback state machine transitions",
	}, []string{"from", "to"})
	stallsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_stalls_total",
		Help: "Playback stalls caused by buffer underrun",
	})
	segmentsLoadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_segments_loaded_total",
		Help: "Segments fetched, decoded and queued",
	})
	segmentsSkippedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_segments_skipped_total",
		Help: "Segments skipped after exhausting fetch retries",
	})
	fetchRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_fetch_retries_total",
		Help: "Segment fetch retries",
	})
	segmentBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "player_segment_bytes",
		Help:    "Size of fetched segments",
		Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
	})
	framesPresentedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_frames_presented_total",
		Help: "Frames handed to output sinks",
	}, []string{"kind"})
	syncCorrectionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_sync_corrections_total",
		Help: "AV sync corrections by stream kind and action",
	}, []string{"kind", "action"})
	framesDiscardedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_frames_discarded_total",
		Help: "Frames discarded at ingest because their timestamp regressed",
	}, []string{"kind"})
	discontinuitiesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_discontinuities_total",
		Help: "Timestamp epochs started by discontinuous or skipped segments",
	})
	eventsDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_events_dropped_total",
		Help: "Notifications dropped because the event channel was full",
	})
	sessionErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_session_errors_total",
		Help: "Sessions that ended in the error state",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		playersCreatedTotal,
		activePlayers,
		stateTransitionsTotal,
		stallsTotal,
		segmentsLoadedTotal,
		segmentsSkippedTotal,
		fetchRetriesTotal,
		segmentBytes,
		framesPresentedTotal,
		syncCorrectionsTotal,
		framesDiscardedTotal,
		discontinuitiesTotal,
		eventsDroppedTotal,
		sessionErrorsTotal,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		playersCreatedTotal:   playersCreatedTotal,
		activePlayers:         activePlayers,
		stateTransitionsTotal: stateTransitionsTotal,
		stallsTotal:           stallsTotal,
		segmentsLoadedTotal:   segmentsLoadedTotal,
		segmentsSkippedTotal:  segmentsSkippedTotal,
		fetchRetriesTotal:     fetchRetriesTotal,
		segmentBytes:          segmentBytes,
		framesPresentedTotal:  framesPresentedTotal,
		syncCorrectionsTotal:  syncCorrectionsTotal,
		framesDiscardedTotal:  framesDiscardedTotal,
		discontinuitiesTotal:  discontinuitiesTotal,
		eventsDroppedTotal:    eventsDroppedTotal,
		sessionErrorsTotal:    sessionErrorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncPlayersCreated increments the players created counter.
func (m *Metrics) IncPlayersCreated() {
	m.playersCreatedTotal.Inc()
}

// SetActivePlayers sets the active players gauge.
func (m *Metrics) SetActivePlayers(n int) {
	m.activePlayers.Set(float64(n))
}

// ObserveTransition counts a state machine transition.
func (m *Metrics) ObserveTransition(from, to string) {
	m.stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncStalls increments the stall counter.
func (m *Metrics) IncStalls() {
	m.stallsTotal.Inc()
}

// ObserveSegmentLoaded counts a loaded segment and records its size.
func (m *Metrics) ObserveSegmentLoaded(bytes int) {
	m.segmentsLoadedTotal.Inc()
	m.segmentBytes.Observe(float64(bytes))
}

// IncSegmentsSkipped increments the skipped segments counter.
func (m *Metrics) IncSegmentsSkipped() {
	m.segmentsSkippedTotal.Inc()
}

// IncFetchRetries increments the fetch retry counter.
func (m *Metrics) IncFetchRetries() {
	m.fetchRetriesTotal.Inc()
}

// IncFramesPresented counts a frame handed to a sink.
func (m *Metrics) IncFramesPresented(kind string) {
	m.framesPresentedTotal.WithLabelValues(kind).Inc()
}

// IncSyncCorrections counts an AV sync correction.
func (m *Metrics) IncSyncCorrections(kind, action string) {
	m.syncCorrectionsTotal.WithLabelValues(kind, action).Inc()
}

// IncFramesDiscarded counts a frame discarded before queueing.
func (m *Metrics) IncFramesDiscarded(kind string) {
	m.framesDiscardedTotal.WithLabelValues(kind).Inc()
}

// IncDiscontinuities counts a new timestamp epoch.
func (m *Metrics) IncDiscontinuities() {
	m.discontinuitiesTotal.Inc()
}

// IncEventsDropped increments the dropped notifications counter.
func (m *Metrics) IncEventsDropped() {
	m.eventsDroppedTotal.Inc()
}

// IncSessionErrors increments the failed sessions counter.
func (m *Metrics) IncSessionErrors() {
	m.sessionErrorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active players).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
