package observability

import (
	"fmt"

	"github.com/tphakala/aoa-go/internal/logger"
)

// promLogger routes promhttp errors into the metrics module logger.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	logger.Global().Module("metrics").Error("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
