package rtp

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig конфигурация экспорта метрик
type MetricsConfig struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "rtp",
		Subsystem: "session",
	}
}

// MetricsCollector prometheus.Collector поверх реестра сессий.
//
// Значения снимаются при каждом опросе через Sessions() и Statistics(),
// поэтому блокировка реестра не удерживается во время чтения сессий.
type MetricsCollector struct {
	manager *SessionManager

	sessionsActive *prometheus.Desc
	sessionsTotal  *prometheus.Desc

	packetsSent       *prometheus.Desc
	octetsSent        *prometheus.Desc
	packetsReceived   *prometheus.Desc
	octetsReceived    *prometheus.Desc
	packetsLost       *prometheus.Desc
	packetsOutOfOrder *prometheus.Desc
	packetsTooLate    *prometheus.Desc
	jitter            *prometheus.Desc
	maximumJitter     *prometheus.Desc
	averageReceive    *prometheus.Desc
	jitterBufferDelay *prometheus.Desc
	references        *prometheus.Desc
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector создает сборщик для реестра
func NewMetricsCollector(manager *SessionManager, config MetricsConfig) *MetricsCollector {
	name := func(metric string) string {
		return prometheus.BuildFQName(config.Namespace, config.Subsystem, metric)
	}
	sessionDesc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(name(metric), help, []string{"session_id"}, config.ConstLabels)
	}

	return &MetricsCollector{
		manager: manager,

		sessionsActive: prometheus.NewDesc(name("active"),
			"Number of sessions in the registry", nil, config.ConstLabels),
		sessionsTotal: prometheus.NewDesc(name("created_total"),
			"Total number of sessions added to the registry", nil, config.ConstLabels),

		packetsSent:       sessionDesc("packets_sent_total", "RTP packets sent"),
		octetsSent:        sessionDesc("octets_sent_total", "RTP payload octets sent"),
		packetsReceived:   sessionDesc("packets_received_total", "RTP packets received"),
		octetsReceived:    sessionDesc("octets_received_total", "RTP payload octets received"),
		packetsLost:       sessionDesc("packets_lost_total", "RTP packets lost"),
		packetsOutOfOrder: sessionDesc("packets_out_of_order_total", "RTP packets received out of order"),
		packetsTooLate:    sessionDesc("packets_too_late_total", "RTP packets dropped by the jitter buffer as too late"),
		jitter:            sessionDesc("jitter_seconds", "Interarrival jitter estimate"),
		maximumJitter:     sessionDesc("jitter_max_seconds", "Maximum interarrival jitter estimate"),
		averageReceive:    sessionDesc("receive_interval_avg_seconds", "Average interval between received packets over the last report"),
		jitterBufferDelay: sessionDesc("jitter_buffer_target_delay", "Jitter buffer target delay in media clock units"),
		references:        sessionDesc("references", "Session reference count"),
	}
}

// Describe реализует prometheus.Collector
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActive
	ch <- c.sessionsTotal
	ch <- c.packetsSent
	ch <- c.octetsSent
	ch <- c.packetsReceived
	ch <- c.octetsReceived
	ch <- c.packetsLost
	ch <- c.packetsOutOfOrder
	ch <- c.packetsTooLate
	ch <- c.jitter
	ch <- c.maximumJitter
	ch <- c.averageReceive
	ch <- c.jitterBufferDelay
	ch <- c.references
}

// Collect реализует prometheus.Collector
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	managerStats := c.manager.Statistics()
	ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue, float64(managerStats.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(managerStats.TotalSessions))

	for _, session := range c.manager.Sessions() {
		id := strconv.FormatUint(uint64(session.ID()), 10)
		stats := session.Statistics()

		counter := func(desc *prometheus.Desc, value uint32) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), id)
		}
		counter(c.packetsSent, stats.PacketsSent)
		counter(c.octetsSent, stats.OctetsSent)
		counter(c.packetsReceived, stats.PacketsReceived)
		counter(c.octetsReceived, stats.OctetsReceived)
		counter(c.packetsLost, stats.PacketsLost)
		counter(c.packetsOutOfOrder, stats.PacketsOutOfOrder)
		counter(c.packetsTooLate, stats.PacketsTooLate)

		ch <- prometheus.MustNewConstMetric(c.jitter, prometheus.GaugeValue, stats.JitterTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.maximumJitter, prometheus.GaugeValue, stats.MaximumJitterTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.averageReceive, prometheus.GaugeValue, stats.AverageReceiveTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.references, prometheus.GaugeValue, float64(session.References()), id)

		if jitterStats, ok := session.JitterBufferStatistics(); ok {
			ch <- prometheus.MustNewConstMetric(c.jitterBufferDelay, prometheus.GaugeValue, float64(jitterStats.TargetDelay), id)
		}
	}
}

// Handler HTTP обработчик экспозиции метрик в формате Prometheus
// на отдельном реестре вместе со стандартными метриками процесса
func (c *MetricsCollector) Handler() (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		return nil, err
	}
	if err := registry.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
