package pipeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "arucam/pipeline"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
