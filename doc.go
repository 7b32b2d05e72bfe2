// Package espargos is the acquisition core of a client library for an
// ESPARGOS-style distributed WiFi channel-sounding sensor array.
//
// A Pool owns one BoardLink per receiver board. Each link maintains a
// dual-protocol CSI stream (UDP with WebSocket fallback), decodes the binary
// frame format and feeds timestamped per-antenna reports into the Clusterer,
// which groups reports belonging to the same over-the-air WiFi frame into
// Clusters and dispatches them to registered consumers in timestamp order.
// A Backlog keeps the most recent calibrated clusters in a fixed-capacity
// ring buffer; the Calibrator derives the per-antenna phase and delay
// corrections the Backlog applies.
package espargos
