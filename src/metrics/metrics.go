package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/types"
)

const (
	namespaceMurmur = "murmur"

	subsystemProtocol   = "protocol"
	subsystemSettlement = "settlement"
	subsystemAPI        = "api"
)

// Collector records protocol activity. It consumes committed events and is
// called directly for failures and latencies, which produce no events.
type Collector struct {
	posts              prometheus.Counter
	likes              prometheus.Counter
	vpConsumed         *prometheus.CounterVec
	topics             *prometheus.CounterVec
	settlementsApplied prometheus.Counter
	settledUsers       prometheus.Counter
	signerFailures     prometheus.Counter
	operationErrors    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		posts: factory.NewCounter(prometheus.CounterOpts{
			Name:      "messages_posted_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemProtocol,
			Help:      "number of messages posted",
		}),
		likes: factory.NewCounter(prometheus.CounterOpts{
			Name:      "likes_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemProtocol,
			Help:      "number of likes",
		}),
		vpConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "vp_consumed_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemProtocol,
			Help:      "VP consumed, by reason",
		}, []string{"reason"}),
		topics: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "topic_transitions_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemProtocol,
			Help:      "topic lifecycle transitions, by resulting state",
		}, []string{"state"}),
		settlementsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name:      "applied_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemSettlement,
			Help:      "number of settlement batches applied",
		}),
		settledUsers: factory.NewCounter(prometheus.CounterOpts{
			Name:      "users_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemSettlement,
			Help:      "participant balances changed by applied settlements",
		}),
		signerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:      "signer_failures_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemSettlement,
			Help:      "failed attempts to obtain a signature from the signer",
		}),
		operationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "operation_errors_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemProtocol,
			Help:      "failed protocol operations, by operation and error code",
		}, []string{"operation", "code"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "operation_duration_seconds",
			Namespace: namespaceMurmur,
			Subsystem: subsystemProtocol,
			Help:      "latency of protocol operations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "requests_total",
			Namespace: namespaceMurmur,
			Subsystem: subsystemAPI,
			Help:      "HTTP requests, by route and status code",
		}, []string{"route", "code"}),
	}
}

// Operation records the outcome and latency of one protocol operation.
func (c *Collector) Operation(name string, started time.Time, err error) {
	c.operationDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		c.operationErrors.WithLabelValues(name, types.Code(err)).Inc()
	}
}

func (c *Collector) SignerFailure() {
	c.signerFailures.Inc()
}

func (c *Collector) Request(route, code string) {
	c.httpRequests.WithLabelValues(route, code).Inc()
}

func (c *Collector) Name() string { return "metrics" }

// Publish counts committed events.
func (c *Collector) Publish(_ context.Context, evs []events.Event) error {
	for _, e := range evs {
		switch e.Kind {
		case events.KindMessagePosted:
			c.posts.Inc()
			if e.Message != nil {
				c.vpConsumed.WithLabelValues(string(types.ReasonPost)).Add(float64(e.Message.VPCost))
			}
		case events.KindMessageLiked:
			c.likes.Inc()
			c.vpConsumed.WithLabelValues(string(types.ReasonLike)).Add(float64(e.Amount))
		case events.KindTopicCreated:
			c.topics.WithLabelValues(types.TopicLive.String()).Inc()
			c.vpConsumed.WithLabelValues(string(types.ReasonTopicCreate)).Add(float64(e.Amount))
		case events.KindTopicClosed:
			c.topics.WithLabelValues(types.TopicClosed.String()).Inc()
		case events.KindTopicMinted:
			c.topics.WithLabelValues(types.TopicMinted.String()).Inc()
		case events.KindTopicSettled:
			c.topics.WithLabelValues(types.TopicSettled.String()).Inc()
		case events.KindSettlementApplied:
			c.settlementsApplied.Inc()
			if e.Settlement != nil {
				c.settledUsers.Add(float64(len(e.Settlement.Users)))
			}
		}
	}
	return nil
}
