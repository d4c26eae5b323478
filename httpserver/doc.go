/*
Package httpserver runs the relay's HTTP listener.

A Server owns one chi router assembled from RouteRegistrar handlers, the
health endpoints and optionally pprof. Every handler route goes through the
slog request logger from flashbots/go-utils and chi's panic recoverer.

Health and diagnostics:

  - GET /livez: always 200 while the process serves requests
  - GET /readyz: 200 until /drain is called, then 503
  - GET /drain, GET /undrain: toggle readiness for load balancers
  - /debug/*: pprof, when EnablePprof is set

Prometheus metrics are served on a separate listener (MetricsAddr). The
collectors are exposed through Metrics so domain packages can record into
the same registry.

Handlers may be mounted after the server has started. The relay uses this to
serve only login and unseal endpoints while its server key is sealed, then
mount the device and operator APIs once operators have submitted enough
escrow shares.
*/
package httpserver
