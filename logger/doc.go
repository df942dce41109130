// Package logger provides structured logging on top of zerolog.
//
// Components take a *Logger and tag it with their own name:
//
//	log := logger.NewDefault("orders").WithComponent("saga")
//	log.Info("step completed", logger.Fields(logger.FieldSagaID, id, logger.FieldStep, name))
//
// Saga and step identifiers stored with ContextWithSaga are picked up by
// WithContext, so every line emitted while a step runs carries them.
package logger
