package api

// CheckRequest is the body of POST /usage/check
type CheckRequest struct {
	UserID          string `json:"userId,omitempty"`
	FingerprintHash string `json:"fingerprintHash"`
	SessionID       string `json:"sessionId,omitempty"`
}

// IncrementRequest is the body of POST|PUT /usage/increment
type IncrementRequest struct {
	CheckRequest

	// Generation describes what is being generated; it is kept on the audit trail
	Generation map[string]interface{} `json:"generation,omitempty"`
}

// ErrorResponse is returned for requests that produced no decision
type ErrorResponse struct {
	Error        string `json:"error"`
	Allowed      bool   `json:"allowed"`
	Undetermined bool   `json:"undetermined,omitempty"`
}
