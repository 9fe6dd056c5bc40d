// Package par implements Pushed Authorization Requests (RFC 9126).
//
// A client pushes its authorization parameters to the authorization server
// and receives an opaque, single-use request_uri valid for 10 minutes:
//
//	resp, err := service.Create(ctx, clientID, params)
//	// resp.RequestURI = "urn:ietf:params:oauth:request_uri:<32 alphanumerics>"
//	// resp.ExpiresIn  = 600
//
// The authorization endpoint later exchanges the request_uri for the stored
// parameters exactly once:
//
//	params, err := service.Consume(ctx, requestURI, clientID)
//
// Unknown, used, expired and foreign request_uri values are reported with the
// same error so callers cannot test references for validity. Consumption is a
// single conditional update in the store, so concurrent consumers have one
// winner.
package par
