// Package sessions implements the stateful core of the server: sessions bound
// to authenticated identities, the connections they own, the shared
// connection pool, and the manager that keeps the two consistent while a
// background sweep expires idle sessions.
//
// A Session's idle clock and its connections' idle clocks are independent:
// the session sweep and transport-level connection reaping never imply one
// another. The ConnectionPool and SessionStore are process-wide shared state
// owned by the composition root and passed by reference into every dependent
// component.
package sessions
