/*
Package observability turns driver events into metrics and log lines.

Both Metrics.Observe and LogSink have the ports.EventSink signature and are
plugged into the runner with runner.WithSinks.
*/
package observability
