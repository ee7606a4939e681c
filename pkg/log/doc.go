/*
Package log provides structured logging for Bastille built on zerolog.

Init configures the global logger once at process start; packages obtain
a component-scoped child logger and attach host, role, or pass fields
per operation:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("host", host.ID).Msg("pass complete")

Secret content is never logged. Callers log secret names and paths only.
*/
package log
