// Package server exposes the workspace over HTTP.
//
// Endpoints:
//   - GET /health: feed connectivity, widget and subscription counts
//   - GET, POST /widgets and GET, DELETE /widgets/{id}
//   - PUT /widgets/{id}/market: switch the panel's symbol
//   - GET /debug/subscriptions: registry entries and coordinator counters
package server
