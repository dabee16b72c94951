package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	Subject string
	Role    enums.ActorRole
	JTI     string
}

// AccessTokenClaims represents the typed JWT presented by admins and services.
type AccessTokenClaims struct {
	Role enums.ActorRole `json:"role"`
	jwt.RegisteredClaims
}
