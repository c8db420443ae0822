package http

// ErrorResponse is the error envelope for all registrar routes.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}
