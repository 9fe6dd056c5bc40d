// Package tokenexchange implements the OAuth 2.0 Token Exchange grant
// (RFC 8693).
//
// An exchange resolves the subject token (and the actor token, when one is
// presented), classifies the request into a scope policy scenario and lets the
// scope policy engine decide which scopes the new token carries:
//
//   - a subject token without a user is ServiceToService
//   - an actor token makes it Delegation
//   - requested scopes beyond the subject's make it StepUp
//   - anything else is Impersonation
//
// Issued tokens never outlive the subject token or the policy's maximum
// lifetime, and record the actor client when there is one.
package tokenexchange
