package channels

import (
	"fmt"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/config"
)

// DefaultAccountId picks the account used when none is named: the config
// adapter's choice, else the first listed account, else "default".
func DefaultAccountId(p *Plugin, cfg *config.Config) string {
	if p.Config == nil {
		return bus.DefaultAccountID
	}
	if p.Config.DefaultAccountId != nil {
		if id := p.Config.DefaultAccountId(cfg); id != "" {
			return id
		}
	}
	if p.Config.ListAccountIds != nil {
		if ids := p.Config.ListAccountIds(cfg); len(ids) > 0 {
			return ids[0]
		}
	}
	return bus.DefaultAccountID
}

// ResolveAccount resolves accountId, or the default account when empty.
func ResolveAccount(p *Plugin, cfg *config.Config, accountId string) (Account, error) {
	if accountId == "" {
		accountId = DefaultAccountId(p, cfg)
	}
	if p.Config == nil || p.Config.ResolveAccount == nil {
		return Account{ChannelID: p.ID, AccountID: accountId, Enabled: true}, nil
	}
	acct, err := p.Config.ResolveAccount(cfg, accountId)
	if err != nil {
		return Account{}, fmt.Errorf("resolve %s account %q: %w", p.ID, accountId, err)
	}
	acct.ChannelID = p.ID
	if acct.AccountID == "" {
		acct.AccountID = accountId
	}
	return acct, nil
}

// ListAccounts resolves every configured account of p.
func ListAccounts(p *Plugin, cfg *config.Config) ([]Account, error) {
	var ids []string
	if p.Config != nil && p.Config.ListAccountIds != nil {
		ids = p.Config.ListAccountIds(cfg)
	}
	if len(ids) == 0 {
		ids = []string{DefaultAccountId(p, cfg)}
	}
	accounts := make([]Account, 0, len(ids))
	for _, id := range ids {
		acct, err := ResolveAccount(p, cfg, id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// Describe builds the config-only snapshot of an account.
func Describe(p *Plugin, acct Account) AccountSnapshot {
	if p.Config != nil && p.Config.DescribeAccount != nil {
		snap := p.Config.DescribeAccount(acct)
		snap.ChannelID, snap.AccountID = p.ID, acct.AccountID
		return snap
	}
	return AccountSnapshot{
		ChannelID:  p.ID,
		AccountID:  acct.AccountID,
		Name:       acct.Name,
		Enabled:    acct.Enabled,
		Configured: acct.Configured,
	}
}
