/*
Package log provides structured logging for VeriSimDB using zerolog.

A global logger is initialized once from configuration and component-scoped
child loggers are derived with WithComponent and friends. The four
user-facing verbosity levels (silent, normal, verbose, debug) map onto
zerolog levels; friendly notices are emitted distinctly from errors.
*/
package log
