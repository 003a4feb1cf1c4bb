// Package publish hands signed webhook deliveries to an external transport.
//
// The webhook relay reads pending rows from the outbox and calls a
// Publisher for each one. Which system receives them is configuration:
//
//   - log: deliveries are only logged
//   - http: POST to the subscription URL
//   - redis: XADD to a stream
//   - amqp: publish to a topic exchange, routed by event type
//   - kafka: write to a topic, keyed by webhook id
//
// Every transport carries the same headers (see Message.Headers) so a
// consumer can verify the signature no matter how the delivery arrived.
package publish
