// Package portier provides the shared types of a client for the Portier
// passwordless email login flow.
//
// The flow is the following:
//
//  1. Login posts the user's email to the RPC service and yields a Pending session.
//  2. The user receives a one-time code by email.
//  3. Confirm sends the pending session id and the code to the broker, which
//     returns an identity token, and claims that token at the RPC service for
//     a Confirmed session. The RPC service sets the session cookie.
//  4. SaveSession persists the cookie jar so the session survives restarts.
//  5. WhoAmI queries the RPC service for the user's attributes.
//  6. Logout ends the session.
//
// The client façade lives in the client package; the cookie jar in store.
package portier

import "context"

// Agent drives the login flow for a single session.
// Implemented by client.Client; used by cmd/portierctl.
type Agent interface {
	// Session returns the cached session, or nil if there is none.
	Session() Session

	// Login requests a one-time code for email.
	// On success the cached session becomes Pending.
	Login(ctx context.Context, email string) error

	// Confirm verifies the code for the pending session and claims a
	// confirmed session. Returns errors.ErrNoActiveSession without a pending session.
	Confirm(ctx context.Context, code string) error

	// WhoAmI returns the attributes of the confirmed session's user.
	// A failure means the session is no longer valid.
	WhoAmI(ctx context.Context) (UserData, error)

	// Logout ends the session at the RPC service and clears it locally.
	Logout(ctx context.Context) error

	// Unsaved reports whether the cookie jar has changes SaveSession would write.
	Unsaved() bool

	// SaveSession persists the cookie jar.
	SaveSession() error

	// Close releases resources held by the agent.
	Close() error
}
