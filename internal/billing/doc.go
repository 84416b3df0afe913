// Package billing is the payment and subscription reconciliation core.
//
// Checkout creation is the outbound half: CheckoutService resolves the
// caller's provider customer and opens a hosted session. Provider events are
// the inbound half: WebhookProcessor verifies each delivery, re-fetches the
// completed session, and in one transaction writes the PaymentLedger entry
// and drives the SubscriptionStateMachine. Redelivered events are absorbed
// by the ledger's primary key; concurrent payments for one user serialize on
// the user row.
package billing
