// Package metrics exposes node state to Prometheus and as a JSON status
// page.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitzhang10/dagpbft/consensus"
	"github.com/gitzhang10/dagpbft/types"
)

const namespace = "dagpbft"

// Status is a point-in-time view of the node.
type Status struct {
	Address        string `json:"address"`
	ChainSize      uint64 `json:"chain_size"`
	NonEmptySize   uint64 `json:"non_empty_chain_size"`
	Period         uint64 `json:"period"`
	Round          uint64 `json:"round"`
	Step           uint64 `json:"step"`
	DagLevel       uint64 `json:"dag_level"`
	NonFinalized   int    `json:"non_finalized_blocks"`
	TxPool         int    `json:"tx_pool"`
	SyncedQueue    int    `json:"synced_queue"`
	Peers          int    `json:"peers"`
	MaliciousPeers int    `json:"malicious_peers"`
	Syncing        bool   `json:"syncing"`
}

// StatusFunc samples the node. It must be safe to call concurrently.
type StatusFunc func() Status

type Metrics struct {
	registry *prometheus.Registry
	status   StatusFunc

	packets       *prometheus.CounterVec
	packetBytes   *prometheus.CounterVec
	finalized     prometheus.Counter
	emptyPeriods  prometheus.Counter
	finalizedTxs  prometheus.Counter
	finalizedDag  prometheus.Counter
	equivocations prometheus.Counter

	logger hclog.Logger
}

func New(status StatusFunc, logger hclog.Logger) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		status:   status,
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "packets_total",
			Help: "Packets accepted from peers.",
		}, []string{"packet"}),
		packetBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "packet_bytes_total",
			Help: "Payload bytes accepted from peers.",
		}, []string{"packet"}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "finalized_periods_total",
			Help: "Periods finalized by this node.",
		}),
		emptyPeriods: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "empty_periods_total",
			Help: "Finalized periods without a DAG anchor.",
		}),
		finalizedTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "finalized_transactions_total",
			Help: "Transactions executed in finalized periods.",
		}),
		finalizedDag: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dag", Name: "finalized_blocks_total",
			Help: "DAG blocks ordered into finalized periods.",
		}),
		equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pbft", Name: "equivocations_total",
			Help: "Conflicting votes detected.",
		}),
		logger: logger.Named("metrics"),
	}
	cs := []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.packets, m.packetBytes, m.finalized, m.emptyPeriods, m.finalizedTxs, m.finalizedDag, m.equivocations,
	}
	for _, g := range m.gauges() {
		cs = append(cs, g)
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) gauge(subsystem, name, help string, f func(Status) float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, func() float64 { return f(m.status()) })
}

func (m *Metrics) gauges() []prometheus.GaugeFunc {
	return []prometheus.GaugeFunc{
		m.gauge("pbft", "chain_size", "Finalized periods.", func(s Status) float64 { return float64(s.ChainSize) }),
		m.gauge("pbft", "non_empty_chain_size", "Finalized periods with a DAG anchor.",
			func(s Status) float64 { return float64(s.NonEmptySize) }),
		m.gauge("pbft", "period", "Current period.", func(s Status) float64 { return float64(s.Period) }),
		m.gauge("pbft", "round", "Current round.", func(s Status) float64 { return float64(s.Round) }),
		m.gauge("pbft", "step", "Current step.", func(s Status) float64 { return float64(s.Step) }),
		m.gauge("pbft", "synced_queue", "Period data waiting to be validated.",
			func(s Status) float64 { return float64(s.SyncedQueue) }),
		m.gauge("dag", "level", "Highest DAG level.", func(s Status) float64 { return float64(s.DagLevel) }),
		m.gauge("dag", "non_finalized_blocks", "DAG blocks not yet finalized.",
			func(s Status) float64 { return float64(s.NonFinalized) }),
		m.gauge("txpool", "size", "Pending transactions.", func(s Status) float64 { return float64(s.TxPool) }),
		m.gauge("network", "peers", "Connected peers.", func(s Status) float64 { return float64(s.Peers) }),
		m.gauge("network", "malicious_peers", "Blacklisted peers.",
			func(s Status) float64 { return float64(s.MaliciousPeers) }),
		m.gauge("network", "syncing", "1 while syncing the PBFT chain.", func(s Status) float64 {
			if s.Syncing {
				return 1
			}
			return 0
		}),
	}
}

// ObservePacket counts one accepted packet.
func (m *Metrics) ObservePacket(name string, size int) {
	m.packets.WithLabelValues(name).Inc()
	m.packetBytes.WithLabelValues(name).Add(float64(size))
}

// ObserveFinalized counts a finalized period.
func (m *Metrics) ObserveFinalized(sb *types.SyncBlock, _ *consensus.BlockStats) {
	m.finalized.Inc()
	if sb.PbftBlock.DagBlockAnchor.IsZero() {
		m.emptyPeriods.Inc()
	}
	m.finalizedTxs.Add(float64(len(sb.Transactions)))
	m.finalizedDag.Add(float64(len(sb.DagBlocks)))
}

func (m *Metrics) ObserveEquivocation() { m.equivocations.Inc() }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves /metrics and /status.
func (m *Metrics) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/status", m.handleStatus).Methods("GET")
	return r
}

func (m *Metrics) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.status()); err != nil {
		m.logger.Warn("failed to encode status", "error", err)
	}
}

// Serve runs the HTTP endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.serve(ctx, ln)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	m.logger.Info("metrics server started", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
