// Package ciba implements OpenID Client-Initiated Backchannel Authentication.
//
// A request moves through these states:
//
//	pending ──(user approves)──> authorized ──(token issued)──> consumed
//	   │
//	   ├──(user denies)──> denied
//	   └──(expiry)───────> expired
//
// Every transition is a single conditional update in the BackchannelStore, so
// concurrent completions or token requests for one auth_req_id have exactly
// one winner, and denied or expired requests never yield tokens.
//
// Poll clients redeem the auth_req_id at the token endpoint, ping clients are
// told when to do so, and push clients receive the tokens directly.
// Notifications are sent after the decision is stored, in the background, and
// their failure does not roll the decision back.
package ciba
