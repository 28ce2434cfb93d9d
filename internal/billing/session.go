package billing

// Session is a hosted provider page the client is redirected to
type Session struct {
	ID  string `json:"sessionId,omitempty"`
	URL string `json:"url"`
}
