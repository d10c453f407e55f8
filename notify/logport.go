package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPort writes notifications to the process log. Used when no AMQP broker is
// configured.
type LogPort struct {
	logger *zap.Logger
}

func NewLogPort(logger *zap.Logger) *LogPort {
	return &LogPort{logger: logger}
}

func (p *LogPort) Notify(_ context.Context, ev Event) error {
	p.logger.Info("conversation notification",
		zap.String("contract_id", ev.ContractID),
		zap.String("kind", string(ev.Kind)),
		zap.String("text", ev.HumanText),
	)
	return nil
}
