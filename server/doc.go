// Package server implements the orchestration layer of the OAuth 2.1
// extension protocols.
//
// The Server type wires the protocol components together and owns the
// decisions that span them:
//   - client authentication (client_secret_basic, client_secret_post,
//     tls_client_auth, self_signed_tls_client_auth, none)
//   - binding issued tokens to DPoP proofs and client certificates
//   - dispatching pushed authorization requests, backchannel authentication
//     and token exchange to the par, ciba and tokenexchange packages
//   - sweeping expired pushed and backchannel requests
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(server.NewStores(store), &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
package server
