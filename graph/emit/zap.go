package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter logs each event through a zap logger. Failures are logged at
// error level, everything else at the configured level.
type ZapEmitter struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewZapEmitter creates a ZapEmitter logging at debug level. A nil logger
// yields a no-op emitter.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.Named("events"), level: zapcore.DebugLevel}
}

// WithLevel returns a copy of the emitter that logs non-error events at level.
func (z *ZapEmitter) WithLevel(level zapcore.Level) *ZapEmitter {
	return &ZapEmitter{logger: z.logger, level: level}
}

// Emit logs the event.
func (z *ZapEmitter) Emit(event Event) {
	level := z.level
	if _, failed := event.Error(); failed {
		level = zapcore.ErrorLevel
	}
	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields, zap.String("run_id", event.RunID), zap.Int("step", event.Step))
	if event.ExecutorID != "" {
		fields = append(fields, zap.String("executor_id", event.ExecutorID))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}
