// Package logx is rcbot's structured logging layer over zerolog.
//
// Components hold a Logger value and derive scoped copies with With. Loggers
// handed out by a Service follow its live configuration, so Apply on a config
// reload changes level and sinks without rebuilding any component.
//
// Sinks: a human console writer, an append-only JSON file, and an optional
// Telegram sink that forwards warnings to an operator chat under a rate limit.
package logx
