// Package logging configures structured logging for relayd.
//
// It is a thin layer over log/slog: components receive a *slog.Logger and
// derive children with Component, so every log line carries the component
// name that produced it.
package logging
