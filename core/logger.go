package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// ProductionLogger - layered observability: structured logs, optional trace
// correlation, optional metrics emission once telemetry becomes available.
// ============================================================================

// ProductionLogger is the default Logger/ComponentAwareLogger implementation.
// It is constructed by NewConfig when the caller does not inject one of
// their own via WithLogger.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	// metricsEnabled is flipped on by EnableMetrics once the metrics
	// package has installed a MetricsRegistry (see SetMetricsRegistry).
	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		component:   "framework",
		format:      logging.Format,
		output:      output,
	}
}

// EnableMetrics is called once a MetricsRegistry is installed, turning on
// the metrics-emission layer for every log call.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

// WithComponent returns a logger tagged with the given component name, e.g.
// "framework/resilience" or "framework/workflow", sharing the parent's
// output/format/level but logging under a distinct component label.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["correlation_id"] != "" {
				traceInfo = fmt.Sprintf("[corr=%s] ", baggage["correlation_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
			timestamp, level, p.serviceName, p.component, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}

	for k, v := range fields {
		switch k {
		case "platform", "operation", "status", "errorKind", "workflowId":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "orchestrator.framework.log_events", 1.0, labels...)
	} else {
		emitMetric("orchestrator.framework.log_events", 1.0, labels...)
	}
}

// ============================================================================
// Global metrics-registry tracking: ProductionLogger instances created
// before metrics.Install runs are upgraded in place once it does, so
// startup ordering (config before telemetry) never loses log-derived metrics.
// ============================================================================

var (
	trackedLoggers   []*ProductionLogger
	trackedLoggersMu sync.Mutex
)

func trackLogger(logger *ProductionLogger) {
	trackedLoggersMu.Lock()
	defer trackedLoggersMu.Unlock()
	trackedLoggers = append(trackedLoggers, logger)
	if GetGlobalMetricsRegistry() != nil {
		logger.EnableMetrics()
	}
}

// enableMetricsOnExistingLoggers is invoked by SetMetricsRegistry so every
// previously constructed ProductionLogger picks up metrics emission
// retroactively.
func enableMetricsOnExistingLoggers() {
	trackedLoggersMu.Lock()
	defer trackedLoggersMu.Unlock()
	for _, logger := range trackedLoggers {
		logger.EnableMetrics()
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if r := GetGlobalMetricsRegistry(); r != nil {
		r.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if r := GetGlobalMetricsRegistry(); r != nil {
		r.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if r := GetGlobalMetricsRegistry(); r != nil {
		return r.GetBaggage(ctx)
	}
	return make(map[string]string)
}
