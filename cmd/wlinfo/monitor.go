package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	wayland "github.com/stanluk/wayland-client"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow global announcements and export connection metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name := ""
		if len(cfg.Displays) > 0 {
			name = cfg.Displays[0]
		}
		return withDisplay(cmd.Context(), name, func(conn *wayland.Connection, q *wayland.Queue) error {
			return monitor(cmd.Context(), conn, q)
		})
	},
}

func init() {
	monitorCmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on, empty to disable")
}

// statsCollector exports the counters of a connection.
type statsCollector struct {
	conn                                  *wayland.Connection
	reads, dispatched, flushes, roundtrips *prometheus.Desc
	globals                               prometheus.Gauge
}

func newStatsCollector(conn *wayland.Connection) *statsCollector {
	labels := prometheus.Labels{"display": conn.Name()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("wayland", "client", name), help, nil, labels)
	}
	return &statsCollector{
		conn:       conn,
		reads:      desc("reads_total", "Reads from the compositor socket."),
		dispatched: desc("events_dispatched_total", "Events delivered to handlers."),
		flushes:    desc("flushes_total", "Successful flushes of buffered requests."),
		roundtrips: desc("roundtrips_total", "Roundtrips started."),
		globals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "wayland",
			Subsystem:   "client",
			Name:        "globals",
			Help:        "Globals currently announced by the compositor.",
			ConstLabels: labels,
		}),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reads
	ch <- c.dispatched
	ch <- c.flushes
	ch <- c.roundtrips
	c.globals.Describe(ch)
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.conn.Stats()
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(s.Reads))
	ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(s.Dispatched))
	ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(s.Flushes))
	ch <- prometheus.MustNewConstMetric(c.roundtrips, prometheus.CounterValue, float64(s.Roundtrips))
	c.globals.Collect(ch)
}

func monitor(ctx context.Context, conn *wayland.Connection, q *wayland.Queue) error {
	collector := newStatsCollector(conn)
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Serving metrics failed")
			}
		}()
		defer srv.Close()
		logrus.Infof("Serving metrics on %s", cfg.MetricsAddr)
	}

	reg, err := q.Display().GetRegistry()
	if err != nil {
		return err
	}
	log := logrus.WithField("display", conn.Name())
	reg.SetEventHandler(wayland.RegistryHandler{
		Global: func(_ *wayland.Registry, name uint32, iface string, version uint32) {
			collector.globals.Inc()
			log.Infof("Global %d added: %s v%d", name, iface, version)
		},
		GlobalRemove: func(_ *wayland.Registry, name uint32) {
			collector.globals.Dec()
			log.Infof("Global %d removed", name)
		},
	})
	err = conn.Run(ctx, q)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
