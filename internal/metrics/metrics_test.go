package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lakowske/ib-stream/internal/background"
	"github.com/lakowske/ib-stream/internal/connection"
	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/storage"
)

func TestCollector(t *testing.T) {
	src := Sources{
		Session: func() connection.Stats {
			return connection.Stats{Connected: true, TicksReceived: 42, Reconnects: 2, ActiveSubscriptions: 3}
		},
		Router: func() router.Stats {
			return router.Stats{ActiveHandlers: 4, TicksRouted: 40, TicksUnrouted: 2}
		},
		Storage: func() storage.OrchestratorStats {
			return storage.OrchestratorStats{Stored: 38, Dropped: 1, QueueDepths: map[string]int{"json": 7}}
		},
		Background: func() background.Stats {
			return background.Stats{
				Connected:     true,
				ActiveStreams: map[int64][]model.TickType{711280073: {model.TickLast, model.TickBidAsk}},
				LastData:      map[int64]time.Time{711280073: time.Unix(1700000000, 0)},
			}
		},
	}

	want := `
# HELP ibstream_session_connected Whether the interactive TWS session is connected.
# TYPE ibstream_session_connected gauge
ibstream_session_connected{session="interactive"} 1
# HELP ibstream_router_handlers Registered stream handlers.
# TYPE ibstream_router_handlers gauge
ibstream_router_handlers 4
# HELP ibstream_storage_queue_depth Pending ticks per writer queue.
# TYPE ibstream_storage_queue_depth gauge
ibstream_storage_queue_depth{format="json"} 7
# HELP ibstream_background_streams Active background subscriptions per tracked contract.
# TYPE ibstream_background_streams gauge
ibstream_background_streams{contract_id="711280073"} 2
`
	err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(want),
		"ibstream_session_connected",
		"ibstream_router_handlers",
		"ibstream_storage_queue_depth",
		"ibstream_background_streams",
	)
	if err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestCollector_NilSourcesSkipped(t *testing.T) {
	c := NewCollector(Sources{
		Router: func() router.Stats { return router.Stats{ActiveHandlers: 1} },
	})

	n := testutil.CollectAndCount(c)
	// Only the five router metrics should appear.
	if n != 5 {
		t.Errorf("metric count = %d, want 5", n)
	}
}

func TestCollector_Lint(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(Sources{
		Session: func() connection.Stats { return connection.Stats{} },
		Router:  func() router.Stats { return router.Stats{} },
		Storage: func() storage.OrchestratorStats { return storage.OrchestratorStats{} },
	}))
	problems, err := testutil.GatherAndLint(reg)
	if err != nil {
		t.Fatalf("GatherAndLint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint: %s: %s", p.Metric, p.Text)
	}
}
