// Package hitch reconciles the two identity sources of Lunch Hitch, an
// identity provider issuing accounts and bearer tokens and a profile store
// holding UserInfo rows, into one Session value.
//
// Session lifecycle:
//   - Reconciler subscribes to the provider's identity and token streams.
//     Every identity event bumps a generation counter; profile lookups
//     started for an older generation are discarded when they complete.
//   - A cleared identity moves the session to unauthenticated at once. An
//     observed identity moves it to loading and then to authenticated or
//     errored once the profile lookup resolves. Re-observing the signed in
//     account keeps the authenticated session visible while it revalidates.
//   - SessionContext broadcasts every transition in order, without
//     coalescing, and Guard turns a Session into a render or redirect
//     decision.
//
// Tokens:
//   - Every token change is written to a TokenSidecar so server side
//     requests can authenticate. A background ticker forces a refresh while
//     an identity exists; refresh failures are logged and recorded to the
//     ActivitySink but never change the session.
//
// Backends:
//   - LocalIdentityProvider keeps accounts in a bun table with bcrypt
//     password hashes and HS256 tokens. BunProfileStore and HTTPProfileStore
//     implement ProfileStore, and APIServer exposes the /api/userinfo routes.
package hitch
