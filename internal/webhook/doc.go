// Package webhook manages outbound event subscriptions.
//
// # Subscriptions
//
// A subscription names a URL and the event types it wants, drawn from
// model.AvailableEvents. Its signing secret ("whsk_" plus 48 alphanumerics)
// is returned once from Create or Rotate and stored sealed with
// nacl/secretbox under the configured key.
//
// # Delivery
//
// The event sink writes one outbox row per matching subscription in the
// same transaction as the audit event. Relay polls those rows, signs each
// body with HMAC-SHA256 over "<unix ts>.<body>" and hands it to a
// publish.Publisher. A row is retried until it succeeds or reaches
// MaxAttempts.
package webhook
