// Package contracts provides the shared vocabulary of the tubes messaging layer.
//
// It defines:
//   - Message: a decoded inbound unit (topic, correlation id, payload, peer)
//   - Handler: the function contract invoked by the dispatch loop
//   - Envelope: the topic + correlation id + payload unit exchanged with the transport
//   - the frame codec and bit-exact payload coercion rules
//   - the sentinel error kinds every layer above branches on
//
// The package has no dependencies below the standard library so every
// other package can import it freely.
package contracts
