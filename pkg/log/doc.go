/*
Package log wraps zerolog behind a small global facade.

Init is called once in main; everything else derives component-scoped
loggers from the global:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("scheduler")
	logger.Info().Int64("task_id", id).Msg("dispatched")

WithComponent, WithRunner and WithTaskID attach the fields the rest of the
codebase filters on. Console output (the default) is for interactive use;
daemons run with JSONOutput for machine-readable logs.
*/
package log
