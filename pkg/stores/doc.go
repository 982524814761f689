// Package stores persists the plugin host's audit trail in SQLite: every
// cli_run invocation a plugin makes and the lifecycle events the registry
// publishes. Schema changes are applied with embedded migrations.
package stores
