package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lakowske/ib-stream/internal/background"
	"github.com/lakowske/ib-stream/internal/connection"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/storage"
)

// Sources provides the stats snapshots the collector reads at scrape
// time. Nil fields are skipped.
type Sources struct {
	Session    func() connection.Stats
	Router     func() router.Stats
	Storage    func() storage.OrchestratorStats
	Background func() background.Stats
}

// Collector translates component stats into Prometheus metrics.
type Collector struct {
	src Sources

	sessionUp        *prometheus.Desc
	sessionTicks     *prometheus.Desc
	sessionDropped   *prometheus.Desc
	sessionReconn    *prometheus.Desc
	sessionSubs      *prometheus.Desc
	routerHandlers   *prometheus.Desc
	routerTicks      *prometheus.Desc
	routerUnrouted   *prometheus.Desc
	routerStored     *prometheus.Desc
	routerErrors     *prometheus.Desc
	storageStored    *prometheus.Desc
	storageDropped   *prometheus.Desc
	storageErrors    *prometheus.Desc
	storageQueue     *prometheus.Desc
	bgUp             *prometheus.Desc
	bgFailures       *prometheus.Desc
	bgActiveStreams  *prometheus.Desc
	bgLastDataUnixTS *prometheus.Desc
}

// NewCollector creates the gateway collector over the given sources.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		sessionUp: prometheus.NewDesc("ibstream_session_connected",
			"Whether the interactive TWS session is connected.", []string{"session"}, nil),
		sessionTicks: prometheus.NewDesc("ibstream_session_ticks_received_total",
			"Ticks received from TWS.", []string{"session"}, nil),
		sessionDropped: prometheus.NewDesc("ibstream_session_ticks_dropped_total",
			"Ticks dropped because the event channel was full.", []string{"session"}, nil),
		sessionReconn: prometheus.NewDesc("ibstream_session_reconnects_total",
			"Completed session reconnects.", []string{"session"}, nil),
		sessionSubs: prometheus.NewDesc("ibstream_session_subscriptions",
			"Active upstream subscriptions.", []string{"session"}, nil),

		routerHandlers: prometheus.NewDesc("ibstream_router_handlers",
			"Registered stream handlers.", nil, nil),
		routerTicks: prometheus.NewDesc("ibstream_router_ticks_routed_total",
			"Ticks delivered to at least one handler.", nil, nil),
		routerUnrouted: prometheus.NewDesc("ibstream_router_ticks_unrouted_total",
			"Ticks arriving with no registered handler.", nil, nil),
		routerStored: prometheus.NewDesc("ibstream_router_ticks_stored_total",
			"Ticks handed to storage by the router.", nil, nil),
		routerErrors: prometheus.NewDesc("ibstream_router_errors_routed_total",
			"Upstream errors delivered to handlers.", nil, nil),

		storageStored: prometheus.NewDesc("ibstream_storage_stored_total",
			"Ticks accepted by the storage orchestrator.", nil, nil),
		storageDropped: prometheus.NewDesc("ibstream_storage_dropped_total",
			"Ticks dropped on a full writer queue.", nil, nil),
		storageErrors: prometheus.NewDesc("ibstream_storage_write_errors_total",
			"Failed batch writes.", nil, nil),
		storageQueue: prometheus.NewDesc("ibstream_storage_queue_depth",
			"Pending ticks per writer queue.", []string{"format"}, nil),

		bgUp: prometheus.NewDesc("ibstream_background_connected",
			"Whether the background TWS session is connected.", nil, nil),
		bgFailures: prometheus.NewDesc("ibstream_background_failures_total",
			"Background session connection failures.", nil, nil),
		bgActiveStreams: prometheus.NewDesc("ibstream_background_streams",
			"Active background subscriptions per tracked contract.", []string{"contract_id"}, nil),
		bgLastDataUnixTS: prometheus.NewDesc("ibstream_background_last_data_timestamp_seconds",
			"Unix time of the last tick per tracked contract.", []string{"contract_id"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Session != nil {
		st := c.src.Session()
		up := 0.0
		if st.Connected {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.sessionUp, prometheus.GaugeValue, up, "interactive")
		ch <- prometheus.MustNewConstMetric(c.sessionTicks, prometheus.CounterValue, float64(st.TicksReceived), "interactive")
		ch <- prometheus.MustNewConstMetric(c.sessionDropped, prometheus.CounterValue, float64(st.TicksDropped), "interactive")
		ch <- prometheus.MustNewConstMetric(c.sessionReconn, prometheus.CounterValue, float64(st.Reconnects), "interactive")
		ch <- prometheus.MustNewConstMetric(c.sessionSubs, prometheus.GaugeValue, float64(st.ActiveSubscriptions), "interactive")
	}

	if c.src.Router != nil {
		st := c.src.Router()
		ch <- prometheus.MustNewConstMetric(c.routerHandlers, prometheus.GaugeValue, float64(st.ActiveHandlers))
		ch <- prometheus.MustNewConstMetric(c.routerTicks, prometheus.CounterValue, float64(st.TicksRouted))
		ch <- prometheus.MustNewConstMetric(c.routerUnrouted, prometheus.CounterValue, float64(st.TicksUnrouted))
		ch <- prometheus.MustNewConstMetric(c.routerStored, prometheus.CounterValue, float64(st.TicksStored))
		ch <- prometheus.MustNewConstMetric(c.routerErrors, prometheus.CounterValue, float64(st.ErrorsRouted))
	}

	if c.src.Storage != nil {
		st := c.src.Storage()
		ch <- prometheus.MustNewConstMetric(c.storageStored, prometheus.CounterValue, float64(st.Stored))
		ch <- prometheus.MustNewConstMetric(c.storageDropped, prometheus.CounterValue, float64(st.Dropped))
		ch <- prometheus.MustNewConstMetric(c.storageErrors, prometheus.CounterValue, float64(st.WriteErrors))
		for format, depth := range st.QueueDepths {
			ch <- prometheus.MustNewConstMetric(c.storageQueue, prometheus.GaugeValue, float64(depth), format)
		}
	}

	if c.src.Background != nil {
		st := c.src.Background()
		up := 0.0
		if st.Connected {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.bgUp, prometheus.GaugeValue, up)
		ch <- prometheus.MustNewConstMetric(c.bgFailures, prometheus.CounterValue, float64(st.Failures))
		for cid, tts := range st.ActiveStreams {
			label := strconv.FormatInt(cid, 10)
			ch <- prometheus.MustNewConstMetric(c.bgActiveStreams, prometheus.GaugeValue, float64(len(tts)), label)
			if last, ok := st.LastData[cid]; ok && !last.IsZero() {
				ch <- prometheus.MustNewConstMetric(c.bgLastDataUnixTS, prometheus.GaugeValue, float64(last.Unix()), label)
			}
		}
	}
}

// Handler builds the scrape endpoint: the gateway collector plus the
// standard Go runtime and process collectors on a private registry.
func Handler(src Sources) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
