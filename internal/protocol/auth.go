package protocol

// SignInResponse is the response of POST /v1/authentication/anonymous.
type SignInResponse struct {
	IDToken   string `json:"idToken"`
	UserID    string `json:"userId"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}
