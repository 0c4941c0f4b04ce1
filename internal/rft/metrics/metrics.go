package metrics

// Prometheus instrumentation for the protocol engine. Collectors register on
// the default registry; cmd/rft exposes them via promhttp when -metrics is
// set. Counter labels use the wire-level message type names.

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rft_datagrams_received_total",
		Help: "Datagrams received and decoded, by message type.",
	}, []string{"type"})

	DatagramsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rft_datagrams_sent_total",
		Help: "Datagrams handed to the socket, by message type.",
	}, []string{"type"})

	DatagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rft_datagrams_dropped_total",
		Help: "Inbound datagrams discarded before dispatch, by reason (decode, oversize, unknown_type).",
	}, []string{"reason"})

	SimulatedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rft_simulated_loss_total",
		Help: "Outbound datagrams suppressed by the Gilbert loss injector.",
	})

	RetransmittedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rft_retransmitted_chunks_total",
		Help: "Chunks re-sent in response to retransmission requests.",
	})

	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rft_active_connections",
		Help: "Connections currently established, by role.",
	}, []string{"role"})

	TransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rft_transfers_completed_total",
		Help: "Transfers finished with a matching SHA-256.",
	})

	TransfersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rft_transfers_failed_total",
		Help: "Transfers aborted, by failure kind.",
	}, []string{"kind"})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rft_bytes_written_total",
		Help: "File bytes persisted by the receiver.",
	})

	BytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rft_bytes_served_total",
		Help: "File bytes read and sent by the sender, retransmissions included.",
	})
)
