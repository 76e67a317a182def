/*
Package log provides structured logging for Colony using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-scoped loggers, configurable levels, and field helpers for the
identifiers that recur across the codebase (agent, job, session). All
output carries timestamps and is filterable by severity.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.LevelDebug,
		JSONOutput: true,
	})

Then derive scoped loggers where components are constructed:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("job_id", job.ID).Msg("assigned")

WithAgentID, WithJobID and WithSessionID attach the corresponding field
so related log lines can be correlated without parsing messages.

# Output

JSONOutput true emits one JSON object per line for log shippers; false
emits zerolog's console format for interactive use. Output defaults to
stderr and can be redirected through Config.Output in tests.
*/
package log
