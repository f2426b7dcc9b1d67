package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Duration of outgoing network requests",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 180},
	}, []string{"component", "operation", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Count of outgoing network requests",
	}, []string{"component", "operation", "status"})

	PublicationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publications_total",
		Help: "Completed publication pipelines",
	})

	PublicationsByUser = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publications_by_user_total",
		Help: "Publication pipelines per user",
	}, []string{"user_id"})

	PublicationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "publication_duration_seconds",
		Help:    "End to end publication pipeline duration",
		Buckets: prometheus.DefBuckets,
	})

	FeedParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_parse_errors_total",
		Help: "Feeds rejected as unreadable or malformed",
	})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"kind"})

	URLValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "url_validations_total",
		Help: "URL mapping validation results",
	}, []string{"result"})
)

// MustRegister registers every collector of the bot.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		PublicationsTotal,
		PublicationsByUser,
		PublicationSeconds,
		FeedParseErrors,
		RateLimitRejections,
		URLValidationsTotal,
	)
}

// ObserveNetworkRequest records one outgoing request.
func ObserveNetworkRequest(component, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	NetworkRequestDuration.WithLabelValues(component, operation, status).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.WithLabelValues(component, operation, status).Inc()
}

// IncPublication records one completed publication for a user.
func IncPublication(userID int64) {
	PublicationsTotal.Inc()
	PublicationsByUser.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
}
