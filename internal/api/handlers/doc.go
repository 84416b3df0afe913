// Package handlers contains the HTTP handlers for the reconciliation API.
//
// Service contracts are declared next to the handler that consumes them and
// injected through constructors so tests can substitute fakes. Handlers
// translate between JSON and the billing components; every failure is
// rendered through core.Error.
package handlers
