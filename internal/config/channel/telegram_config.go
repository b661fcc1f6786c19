package channel

import "sort"

// TelegramAccountConfig configures one Telegram bot.
type TelegramAccountConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	Token          string   `json:"token" yaml:"token"`
	AllowFrom      []string `json:"allowFrom" yaml:"allowFrom"`
	ReplyToMessage bool     `json:"replyToMessage" yaml:"replyToMessage"`
	TextChunkLimit int      `json:"textChunkLimit,omitempty" yaml:"textChunkLimit,omitempty"`
}

func (a TelegramAccountConfig) IsEnabled() bool { return accountEnabled(a.Enabled) }

// TelegramConfig configures the Telegram channel. With no Accounts the
// top-level fields describe a single "default" account.
type TelegramConfig struct {
	Enabled        bool                             `json:"enabled" yaml:"enabled"`
	Token          string                           `json:"token" yaml:"token"`
	AllowFrom      []string                         `json:"allowFrom" yaml:"allowFrom"`
	ReplyToMessage bool                             `json:"replyToMessage" yaml:"replyToMessage"`
	TextChunkLimit int                              `json:"textChunkLimit,omitempty" yaml:"textChunkLimit,omitempty"`
	DefaultAccount string                           `json:"defaultAccount,omitempty" yaml:"defaultAccount,omitempty"`
	Accounts       map[string]TelegramAccountConfig `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{AllowFrom: []string{}, TextChunkLimit: 4000}
}

// AccountIds lists configured account ids in stable order.
func (c TelegramConfig) AccountIds() []string {
	if len(c.Accounts) == 0 {
		return []string{"default"}
	}
	return sortedKeys(c.Accounts)
}

// Account returns the account config for id; ok is false if unknown.
func (c TelegramConfig) Account(id string) (TelegramAccountConfig, bool) {
	if len(c.Accounts) == 0 {
		if id != "default" && id != "" {
			return TelegramAccountConfig{}, false
		}
		return TelegramAccountConfig{
			Token:          c.Token,
			AllowFrom:      c.AllowFrom,
			ReplyToMessage: c.ReplyToMessage,
			TextChunkLimit: c.TextChunkLimit,
		}, true
	}
	a, ok := c.Accounts[id]
	if ok && a.TextChunkLimit == 0 {
		a.TextChunkLimit = c.TextChunkLimit
	}
	return a, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
