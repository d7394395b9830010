package interfaces

// AuthService verifies credentials and issues bearer identity tokens. The
// coordinator treats it as a black box: tokens are opaque strings that
// resolve back to a user ID or fail.
type AuthService interface {
	HashPassword(password string) (string, error)
	CheckPassword(hash, password string) bool
	IssueToken(userID string) (string, error)
	VerifyToken(token string) (string, error)
}
