// Package forcestream is a resilient client for Salesforce streaming
// (Bayeux/CometD) and its REST API.
//
// Access tokens are cached by a TokenProvider and refreshed when they
// expire or when the server rejects them. A StreamingClient keeps a
// long-polling session alive: when the server reports that the session's
// credentials are no longer accepted, the client rebuilds the session with
// fresh credentials and notifies Reconnect observers, which usually call
// Resubscribe.
//
// # Basic Usage
//
//	cfg := forcestream.DefaultConfig()
//	cfg.ClientID = "..."
//	cfg.RefreshToken = "..."
//
//	auth := forcestream.NewOAuthAuthenticator(&cfg, nil)
//	tokens := forcestream.NewTokenProvider(auth, forcestream.TokenProviderOptionsFromConfig(&cfg, nil))
//
//	client, err := forcestream.NewStreamingClient(ctx, tokens, &cfg, nil)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	client.OnReconnect(func(c *forcestream.StreamingClient, _ bool) {
//		_ = c.Resubscribe()
//	})
//
//	if err := client.Handshake(forcestream.DefaultHandshakeTimeout); err != nil {
//		return err
//	}
//	err = client.SubscribeTopic("/event/Order_Shipped__e", listener, forcestream.NoReplay)
//
// # Retry Policies
//
// Retry behavior is expressed as a Pipeline of Policy values composed by
// function wrapping. The first policy is the outermost. The REST wrapper in
// package force uses an outer re-authentication policy and an inner
// transient-failure policy.
//
// # Errors
//
// Sentinel errors (ErrDisposed, ErrAuthentication, ErrTransient, ...) are
// matched with errors.Is. Long-poll timeouts are logged at debug level and
// never surfaced.
package forcestream
