/*
Package log provides structured logging via zerolog.

The log package wraps zerolog to give every long-running component (the
download queue runner, the health monitor, the proxy) a component-scoped
child logger with consistent fields, plus a global logger for one-off
messages.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("modelctld starting")

	queueLog := log.WithComponent("queue")
	queueLog.Info().Str("download_id", id).Msg("dispatching")

	dlLog := log.WithDownloadID(id)
	dlLog.Warn().Msg("shard retrying after transient error")

# Levels

Debug is for development only; Info is the default production level; Warn
and Error should stay low-volume. Fatal logs then calls os.Exit(1) and
should only be used for unrecoverable startup failures.
*/
package log
