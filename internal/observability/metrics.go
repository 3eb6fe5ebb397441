package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "pairchat"

// HTTP and gRPC surfaces.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route template and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	grpcServerHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpc_server_handled_total",
		Help: "Unary gRPC calls completed on the server.",
	}, []string{"grpc_service", "grpc_method", "grpc_code"})
)

// Realtime surface.
var (
	wsActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Open websocket connections.",
	})

	wsEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Connection lifecycle and inbound protocol events.",
	}, []string{"event"})

	wsPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "pushes_total",
		Help:      "Outbound server events by type and result.",
	}, []string{"event", "result"})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Message lifecycle transitions by outcome.",
	}, []string{"outcome"})
)

// Storage and broker.
var (
	storeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Store calls retried after a transient failure.",
	}, []string{"op"})

	presenceWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_write_errors_total",
		Help:      "Durable presence writes that failed after retries.",
	})

	routeStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "route_errors_total",
		Help:      "Delivered-state writes that failed while routing a message.",
	}, []string{"op"})

	amqpPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "amqp",
		Name:      "publish_errors_total",
		Help:      "Events the broker refused or never received.",
	})
)

// HTTPMetricsMiddleware records every request under its route template so
// path parameters do not explode label cardinality.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// splitFullMethod turns "/pkg.Service/Method" into its two halves.
func splitFullMethod(fullMethod string) (service, method string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

// IncWSEvent counts connection lifecycle events and inbound protocol events by name.
func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

// ObservePush records whether an outbound event reached a connection's queue.
func ObservePush(event string, queued bool) {
	result := "queued"
	if !queued {
		result = "dropped"
	}
	wsPushesTotal.WithLabelValues(event, result).Inc()
}

// Message outcomes.
const (
	OutcomePersisted = "persisted"
	OutcomeDelivered = "delivered"
	OutcomeRead      = "read"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

func IncMessage(outcome string) {
	messagesTotal.WithLabelValues(outcome).Inc()
}

func IncStoreRetry(op string) {
	storeRetriesTotal.WithLabelValues(op).Inc()
}

func IncPresenceWriteError() {
	presenceWriteErrorsTotal.Inc()
}

func IncRouteStoreError(op string) {
	routeStoreErrorsTotal.WithLabelValues(op).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
