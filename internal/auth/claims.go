package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Display roles carried on relay connections.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// Claims are the only supported JWT claims shape for the relay.
// Authorization decisions beyond "is this a valid participant" belong to the
// backend that issued the token, not here.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
