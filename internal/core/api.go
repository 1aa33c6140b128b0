package core

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PreviewRequest asks for a read URL. ExpiresIn is in seconds; a negative
// value never expires and zero selects the server default.
type PreviewRequest struct {
	ExpiresIn       int64             `json:"expiresIn,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
}

type PreviewResponse struct {
	URL string `json:"url"`
}
