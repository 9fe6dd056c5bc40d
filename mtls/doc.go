// Package mtls implements mutual-TLS client authentication and
// certificate-bound access tokens (RFC 8705).
//
// Client certificates usually arrive from a TLS-terminating proxy in a request
// header. ExtractFromHeaders tries the known conventions in priority order:
//
//	x-client-cert             PEM or URL-encoded PEM
//	x-ssl-client-cert         PEM or URL-encoded PEM (nginx)
//	x-forwarded-client-cert   Envoy XFCC, Cert="<url-encoded PEM>" element
//	x-client-certificate      PEM or URL-encoded PEM
//	ssl-client-cert           PEM or URL-encoded PEM
//	x-client-cert-der         base64 DER
//
// When the server terminates TLS itself, ExtractFromTLS reads the peer
// certificate from the connection state instead.
//
// Authenticator checks the certificate validity window, then the client
// registration: the client must declare mTLS support and the certificate must
// match the registered binding (certificate thumbprints for
// self_signed_tls_client_auth, subject DN for tls_client_auth).
//
// Chain-of-trust and revocation checks are pluggable through ChainVerifier and
// RevocationChecker. Without them the authenticator relies on the proxy for
// chain validation and logs that at startup; Config.RequireChainVerification
// turns a missing verifier into a startup error.
package mtls
