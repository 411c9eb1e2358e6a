// Package logging provides the structured logging system for gantry.
//
// It is a thin wrapper around Go's standard slog package that gives every
// subsystem a uniform, printf-style logging interface with level filtering
// and a mandatory subsystem attribute.
//
// # Log Levels
//
//   - **Debug**: detailed information for debugging and development
//   - **Info**: general informational messages about gateway operation
//   - **Warn**: conditions that degrade behavior but do not stop it
//   - **Error**: failures and exceptional conditions
//
// # Usage
//
//	import "gantry/pkg/logging"
//
//	// Initialize once at startup, before any subsystem logs.
//	logging.Init(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Upstream", "session %s healthy", name)
//	logging.Debug("Engine", "layer %d scheduled with %d tasks", idx, n)
//	logging.Error("Sandbox", err, "worker exited during execution")
//
// # Subsystem Organization
//
// Log lines carry a subsystem attribute so operators can filter by
// component: "App", "Config", "Upstream", "Registry", "Graph", "Engine",
// "Sandbox", "MetaTools", "Gateway", "Trace".
//
// # Thread Safety
//
// Initialization is expected once at startup; logging itself is safe for
// concurrent use from any goroutine.
package logging
