package auth

// Service binds opaque session tokens to registered player ids. It is
// consumed by the router (register), the gateway (connection resume) and
// the HTTP handlers.
type Service interface {
	Issue(playerID string) (sessionToken string, err error)
	ResolveSession(token string) (playerID string, ok bool)
	Logout(token string)
}
