package auth

import (
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// StartState is the per-flow secret material created by /oauth/start.
//
// The verifier is never put in the authorization URL; only the challenge is.
type StartState struct {
	Nonce         string
	CodeVerifier  string
	CodeChallenge string
}

// NewStartState generates a fresh nonce and S256 PKCE pair.
func NewStartState() StartState {
	verifier := oauth2.GenerateVerifier()
	return StartState{
		Nonce:         uuid.NewString(),
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}
