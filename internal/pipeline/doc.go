// Package pipeline selects, orders and executes the configured stages that
// run around the protocol engine.
//
// # Architecture
//
// Stages are declared per port and apply to (method, resource) pairs, e.g.
// ("POST", "users"). A run executes in phases:
//   - Interceptors: run before the engine; may gate or mutate the request body
//   - Before adapters: notifications sent before the engine call
//   - After adapters: notifications sent with the engine's response
//
// Within a phase stages run sequentially by ascending position; stages that
// share a position keep declaration order.
//
// # Failure policy
//
// Every stage failure is caught by the Executor. The stage's on_error hook
// runs, then:
//
//	block_on_error: true   abort the run with a 400 SCIM error body
//	block_on_error: false  log and continue with the next stage
//
// Interceptors default to true, adapters and listeners to false. The error
// body is
//
//	{
//	  "schemas": ["urn:ietf:params:scim:api:messages:2.0:Error"],
//	  "detail":  "<error_message> or Error while running interceptor (<kind>): <message>",
//	  "status":  400
//	}
//
// # Cache references
//
// String values of the form "cache.<name>.<path>" in a stage's headers, auth
// fields or body template are replaced with cached data before the stage's
// handler runs.
package pipeline
