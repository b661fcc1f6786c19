package channel

// ConsoleConfig configures the local terminal channel.
type ConsoleConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Prompt  string `json:"prompt" yaml:"prompt"`
}

func DefaultConsoleConfig() ConsoleConfig {
	return ConsoleConfig{Prompt: "You: "}
}
