package logger

import (
	"github.com/teranos/pawnx/sym"
	"go.uber.org/zap"
)

// Symbol-aware wrappers. The glyph goes into a structured field, not the
// message, so logs stay queryable by symbol:
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Ticker started", "interval", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddQueueSymbol wraps a logger with the glyph of the named queue plus the
// queue field itself.
func AddQueueSymbol(l *zap.SugaredLogger, queue string) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.QueueSymbol(queue), FieldQueue, queue)
}
