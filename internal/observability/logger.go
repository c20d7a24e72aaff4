package observability

import (
	"fmt"

	"github.com/deskbridge/deskbridge/internal/logger"
)

// promErrorLog routes promhttp handler errors into the central logger.
type promErrorLog struct{}

func (promErrorLog) Println(v ...any) {
	logger.Global().Module("metrics").Error("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
