package channel

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Console  ConsoleConfig  `json:"console" yaml:"console"`
}

func DefaultChannelsConfig() ChannelsConfig {
	return ChannelsConfig{
		Telegram: DefaultTelegramConfig(),
		Slack:    DefaultSlackConfig(),
		WhatsApp: DefaultWhatsAppConfig(),
		Console:  DefaultConsoleConfig(),
	}
}

// accountEnabled treats a missing per-account flag as enabled.
func accountEnabled(flag *bool) bool {
	return flag == nil || *flag
}
