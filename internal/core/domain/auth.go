package domain

// AuthToken is the parsed, not-yet-validated form of a client's proxy
// credentials: client_id:timestamp:signature_hex (§3, §4.5).
type AuthToken struct {
	ClientID     string
	Timestamp    int64
	SignatureHex string
}
