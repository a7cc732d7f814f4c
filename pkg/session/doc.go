// Package session is the server's registry of logical client sessions,
// keyed by the id of the connection that currently owns them.
//
// Invariants:
// - Mutations of one session are serialized by that session's lock; there is
//   no lock spanning unrelated sessions.
// - LastActivityAt never decreases while the session is alive.
// - A resumed session moves to the new connection id atomically: observers
//   see either the old key or the new key, never both and never neither.
// - An expired session is deleted by the operation that noticed the expiry.
//
// Usage:
//
//	reg := session.NewRegistry(session.Config{})
//	reg.Authenticate("conn-1", "user-1", "")
//	_, _ = reg.JoinRoom("conn-1", "project-42")
//	s, err := reg.Resume("conn-1", "conn-2", "user-1", 5*time.Minute)
//	_, _ = s, err
package session
