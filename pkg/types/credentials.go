package types

// Credentials are sealed before they are persisted.
type Credentials struct {
	Email        string `json:"email,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}
