// Package logging provides structured logging for PrintMesh Core.
//
// Built on log/slog, it adds:
//   - Configuration-driven format (JSON or text) and level selection
//   - Default fields (service, version) on every record
//   - A bootstrap Default() logger for use before config is loaded
//
// Components receive a *Logger (usually narrowed with With("component", ...))
// rather than creating their own, keeping output uniform across the process.
package logging
