package channel

// WhatsAppConfig configures the WhatsApp channel, reached through a
// websocket bridge process.
type WhatsAppConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	BridgeURL   string   `json:"bridgeUrl" yaml:"bridgeUrl"`
	BridgeToken string   `json:"bridgeToken" yaml:"bridgeToken"`
	AllowFrom   []string `json:"allowFrom" yaml:"allowFrom"`
	DMPolicy    string   `json:"dmPolicy" yaml:"dmPolicy"` // "open", "allowlist" or "pairing"
}

func DefaultWhatsAppConfig() WhatsAppConfig {
	return WhatsAppConfig{BridgeURL: "ws://localhost:3001", AllowFrom: []string{}, DMPolicy: "allowlist"}
}
