// Package logging is the relay's structured logger, built on log/slog.
//
// Every record carries service and version attributes. Output is JSON by
// default, text when logging.format is "text", at the level named by
// logging.level.
//
// Attributes named password, token, secret or authorization are replaced
// with [REDACTED] before they are written, so credentials that travel on
// device or controller requests cannot leak through request logging.
// Credential frames are still logged by username only.
package logging
