// Package logger provides slog attribute helpers for the messaging
// components. Helpers return an empty Attr for zero values, so call sites
// never need nil or empty-string checks:
//
//	log.Error("outbox publish failed",
//		logger.EntryID(entry.ID),
//		logger.MessageName(entry.Message.Name),
//		logger.Error(err),
//	)
package logger
