// Package tubes is a topic-routed messaging layer over interchangeable
// point-to-point and pub/sub transports.
//
// Application code addresses hierarchical, wildcard-matchable topics
// ("sensor/+/temperature", "req/#") instead of raw transport endpoints.
// A Node maps topics to registered endpoints and handlers, frames
// messages as [topic][correlation_id][payload] envelopes, and upgrades
// fire-and-forget delivery into request/response with timeouts and
// out-of-order response reconciliation.
//
//	provider := inproc.NewProvider()
//	node := tubes.NewNode(tubes.WithProvider(provider))
//	defer node.Close()
//
//	_, err := node.NewEndpoint(transport.Config{
//		Name:    "resp",
//		Addr:    "inproc://demo",
//		Pattern: transport.Rep,
//		Role:    transport.Server,
//		Topics:  []string{"req/#"},
//	})
//	node.RegisterHandlerFunc("req/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
//		return "response-" + msg.String(), nil
//	})
//	node.Start(ctx)
//
// Transports live under transports/: an in-process channel transport,
// a ZeroMQ transport and an AMQP transport, all behind the interfaces
// in the transport package.
package tubes
