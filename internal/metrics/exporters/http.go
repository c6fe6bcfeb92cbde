// Package exporters serves the pipeline metrics over HTTP.
package exporters

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smazurov/tofnode/internal/logging"
)

// HTTPHandler serves every promauto-registered metric in the text or
// OpenMetrics format. A collector failing mid-scrape is logged and the rest
// of the metrics are still served, so one bad device never blanks the
// scrape. The handler counts its own scrapes.
func HTTPHandler() http.Handler {
	opts := promhttp.HandlerOpts{
		ErrorLog:          scrapeLogger{logging.GetLogger("metrics")},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	}
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, opts),
	)
}

// scrapeLogger adapts slog to promhttp's Println logger.
type scrapeLogger struct {
	logger *slog.Logger
}

func (l scrapeLogger) Println(v ...any) {
	l.logger.Warn("Metrics scrape error", "error", fmt.Sprint(v...))
}
