package upstream

// Canonical upstream service names. These match the names the token
// authority accepts for service tokens.
const (
	ServiceGateway      = "gateway"
	ServiceIdentity     = "identity"
	ServiceHealth       = "health"
	ServiceMetrics      = "metrics"
	ServiceAssistant    = "assistant"
	ServiceNotification = "notification"
)
