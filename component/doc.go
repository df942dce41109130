// Package component defines the lifecycle interface shared by sagakit's
// infrastructure: the saga manager, snapshot stores and event publishers.
//
// A Registry starts components in registration order, stops them in
// reverse and aggregates their health.
//
// # Interfaces
//
//   - Component: Start/Stop/Health lifecycle
//   - Describable: optional one-line summary for logs and sagactl
package component
