// Package messaging implements the moving parts above the transport:
//
//   - Correlator: correlation ids, the request wait loop, and the
//     bounded TTL cache reconciling responses that arrive out of order
//     relative to the request currently waiting
//   - Dispatcher: the decode -> resolve -> invoke -> reply boundary with
//     malformed-message and handler-failure containment
//   - Loop: the dispatch loop contract with two interchangeable
//     strategies, a cooperative single-goroutine select loop and a
//     goroutine-per-endpoint loop
//
// The Node facade in the root package composes these with a routing
// registry and a transport provider.
package messaging
