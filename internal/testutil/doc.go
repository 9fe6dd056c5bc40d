// Package testutil provides test helpers for the oauth-ext packages: signing keys,
// DPoP proofs, signed JWT hints, self-signed client certificates, proxy
// certificate headers and sample clients.
package testutil
