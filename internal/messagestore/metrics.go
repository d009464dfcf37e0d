package messagestore

import "github.com/prometheus/client_golang/prometheus"

var (
	updatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_updates_applied_total",
		Help: "Incremental update batches merged into a message map.",
	})
	pendingReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_pending_reconciled_total",
		Help: "Pending messages replaced in place by their confirmed version.",
	})
	pagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_pages_fetched_total",
		Help: "Older pages fetched and prepended.",
	})
	paginationSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_pagination_skipped_total",
		Help: "Older-page requests skipped because no cursor was stored or a fetch was in flight.",
	})
	openChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_sync_open_channels",
		Help: "Channels with an active live subscription.",
	})
)

func init() {
	prometheus.MustRegister(updatesApplied, pendingReconciled, pagesFetched, paginationSkipped, openChannels)
}
