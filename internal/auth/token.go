package auth

import (
	"os"
	"path/filepath"
	"strings"
)

// GatewayToken resolves the shared bearer token protecting /api/*. Order:
// the GATEWAY_TOKEN env var, then <root>/.eclia/gateway.token (trimmed).
// An empty result disables authentication. The token is provisioned
// out-of-band; the gateway never issues one.
func GatewayToken(root string) string {
	if tok := strings.TrimSpace(os.Getenv("GATEWAY_TOKEN")); tok != "" {
		return tok
	}
	data, err := os.ReadFile(filepath.Join(root, ".eclia", "gateway.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
