// Package dynamicauth implements OAuth 2.0 authentication against arbitrary,
// not pre-registered authorization servers.
//
// A DynamicAuthProvider runs the authorization-code-with-PKCE flow against a
// server discovered at runtime, registers itself as an OAuth client via
// dynamic client registration (RFC 7591) when the server supports it, keeps
// the resulting tokens fresh via the refresh-token grant, and derives
// user-facing sessions from the token list. The Registry front door
// serializes all mutating operations per provider ID and coalesces identical
// concurrent session requests into a single underlying call.
//
// The host process supplies the UI and persistence collaborators (browser
// opening, URI callback waiting, user prompts, token storage) through the
// interfaces in Config; everything else is handled here.
package dynamicauth
