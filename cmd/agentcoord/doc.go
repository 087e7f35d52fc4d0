/*
Package main is the agentcoord service entry point.

Subcommands:

	agentcoord serve                       start the coordination service
	agentcoord serve --config config.yaml  with an explicit config file
	agentcoord version                     print build information
	agentcoord health                      probe a running instance

serve loads YAML configuration with environment overrides, builds a zap
logger, initializes OpenTelemetry (noop when disabled), opens the
configured outcome store, and runs two HTTP listeners: the service port
with health and version endpoints, and a metrics port exposing
Prometheus /metrics. Shutdown is graceful on SIGINT/SIGTERM.
*/
package main
