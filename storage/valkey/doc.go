// Package valkey provides a Valkey storage backend for the OAuth extension server.
//
// Valkey is wire-compatible with Redis. The Store type implements every storage
// interface, which makes it the backend of choice when several server replicas
// must share single-use state: a pushed request_uri, a DPoP proof jti or a CIBA
// auth_req_id must be consumed once across the whole deployment.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauthext:"):
//
//	{prefix}par:{request_uri}          -> JSON(PushedRequest), TTL = expiry
//	{prefix}ciba:{auth_req_id}         -> JSON(BackchannelRequest), TTL = expiry + retention
//	{prefix}jti:{id}                   -> "1", TTL = proof lifetime
//	{prefix}token:{id}                 -> JSON(AccessToken), TTL = expiry
//	{prefix}token:hash:{sha256}        -> token id
//	{prefix}token:refresh:{sha256}     -> token id
//	{prefix}client:{client_id}         -> JSON(Client)
//	{prefix}scope:{name}               -> JSON(Scope)
//	{prefix}user:{id}                  -> JSON(User)
//	{prefix}user:{kind}:{value}        -> user id (email, phone, username, device)
//
// # Atomic Operations
//
// Consuming a pushed request, completing or consuming a backchannel request and
// recording a single-use identifier each run as one Lua script, giving the same
// one-winner guarantee as the in-memory store.
//
// Because expiry is enforced by key TTLs, the DeleteExpired* sweeps return 0.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauthext:",
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey
