// Package memory provides an in-memory implementation of the oauth-ext storage interfaces.
//
// Store implements PushedRequestStore, BackchannelStore, ReplayStore,
// AccessTokenStore, ClientStore, ScopeStore and UserStore using maps guarded by
// a single sync.RWMutex. Every single-use transition (consuming a pushed request,
// completing or consuming a backchannel request, recording a DPoP jti) runs under
// the write lock, so concurrent callers observe exactly one winner.
//
// It is suitable for development, testing, and single-instance deployments where
// persistence is not required. For multi-instance deployments use storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	store.SaveClient(ctx, client)
//	srv, _ := oauthext.NewServer(oauthext.Stores{...all fields: store...}, config)
package memory
