package domain

// ErrorResponse is the JSON body returned by the proxy and the file server
// for structured errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthRoute identifies one route in a health report.
type HealthRoute struct {
	ShareID   string `json:"shareId"`
	Subdomain string `json:"subdomain"`
	Active    bool   `json:"active"`
}

// HealthResponse is the body of the proxy health endpoint.
type HealthResponse struct {
	Status       string        `json:"status"`
	Port         int           `json:"port,omitempty"`
	ActiveRoutes int           `json:"activeRoutes"`
	TotalRoutes  int           `json:"totalRoutes"`
	Routes       []HealthRoute `json:"routes"`
}
