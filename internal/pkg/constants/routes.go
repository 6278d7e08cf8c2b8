package constants

// Route constants
const (
	APIRoute     = "/api"
	APIv1Route   = "/v1"
	WebhookRoute = "/webhooks/:provider"
	HealthRoute  = "/healthz"
	MetricsRoute = "/metrics"
	AdminRoute   = "/admin"
	DocsBasePath = "/docs/api/"
	// OpenAPI document relative to the project root
	OpenAPIFile = "public/docs/v1/openapi.yml"
)
