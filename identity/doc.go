// Package identity resolves the end user of a backchannel authentication
// request from the hints a client supplies.
//
// Hints are tried in descending order of trust:
//
//	id_token_hint     signature verified with the server's JWKS, issuer checked   High
//	login_hint_token  RFC 9493 sub_id, verified with the client's JWKS            Medium
//	                  decoded without verification when no JWKS is registered    Low
//	login_hint        email, phone number, @handle or username                    Medium
//	user_code         user code bound to a registered device                      Low
//
// A hint that fails cryptographic verification is an error. A well-formed hint
// that names no known user falls through to the next hint; when nothing
// resolves, the Resolution asks for user interaction instead of failing.
package identity
