package tokenizer

// wireToken is the JSON payload carried by the visual code.
// Pointer fields let Decode tell a missing field from a zero value.
type wireToken struct {
	SessionID *string `json:"sessionId"`
	IssuedAt  *int64  `json:"issuedAt"`
	ExpiresAt *int64  `json:"expiresAt"`
	ClassID   *string `json:"classId"`
	Signature *string `json:"signature"`
}

// signedFields is the canonical payload the signature covers.
// Field order is fixed by the struct, so the encoding is deterministic.
type signedFields struct {
	SessionID string `json:"sessionId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	ClassID   string `json:"classId"`
}
