package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn must be configured"))
	}
	if addr := strings.TrimSpace(c.Ledger.ContractAddress); addr != "" && !common.IsHexAddress(addr) {
		errs = append(errs, fmt.Errorf("ledger.contract_address %q is not a hex address", addr))
	}
	if c.Ledger.RPCURL != "" && c.Ledger.ContractAddress == "" {
		errs = append(errs, errors.New("ledger.contract_address is required when ledger.rpc_url is set"))
	}
	if c.Ledger.SignerKey != "" && c.Ledger.KeystorePath != "" {
		errs = append(errs, errors.New("configure either ledger.signer_key or ledger.keystore_path, not both"))
	}
	switch c.Content.Backend {
	case "local":
	case "ipfs":
		if strings.TrimSpace(c.Content.APIURL) == "" {
			errs = append(errs, errors.New("content.api_url is required for the ipfs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("content.backend %q must be local or ipfs", c.Content.Backend))
	}
	switch c.Notify.Backend {
	case "log":
	case "smtp":
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" {
			errs = append(errs, errors.New("notify.smtp.host and notify.smtp.from are required for the smtp backend"))
		}
	case "webhook":
		if c.Notify.Webhook.URL == "" {
			errs = append(errs, errors.New("notify.webhook.url is required for the webhook backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.backend %q must be log, smtp or webhook", c.Notify.Backend))
	}
	switch c.Lease.Backend {
	case "memory":
	case "redis":
		if c.Lease.RedisAddr == "" {
			errs = append(errs, errors.New("lease.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lease.backend %q must be memory or redis", c.Lease.Backend))
	}
	// One record costs up to four ledger calls and a notification send.
	if budget := 4*c.Ledger.CallTimeout.Duration + c.Notify.Timeout.Duration; c.Recon.LeaseTTL.Duration < budget {
		errs = append(errs, fmt.Errorf("recon.lease_ttl must be at least 4*ledger.call_timeout + notify.timeout (%s)", budget))
	}
	if c.Verify.MinPartialLength < 4 {
		errs = append(errs, errors.New("verify.min_partial_length must be at least 4"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
