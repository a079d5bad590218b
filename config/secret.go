package config

import (
	"fmt"
	"os"
	"strings"
)

// resolveSecret returns the inline value, else the named environment
// variable, else the trimmed file contents. All three empty is not an error.
func resolveSecret(name, inline, env, file string) (string, error) {
	if v := strings.TrimSpace(inline); v != "" {
		return v, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("config: %s_env %s is empty", name, env)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("config: read %s_file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

// SignerKeyValue resolves the hex encoded ledger signing key.
func (c LedgerConfig) SignerKeyValue() (string, error) {
	return resolveSecret("signer_key", c.SignerKey, c.SignerKeyEnv, c.SignerKeyFile)
}

// PasswordValue resolves the SMTP password.
func (c SMTPConfig) PasswordValue() (string, error) {
	return resolveSecret("password", c.Password, c.PasswordEnv, c.PasswordFile)
}

// SecretValue resolves the webhook signing secret.
func (c WebhookConfig) SecretValue() (string, error) {
	return resolveSecret("secret", c.Secret, c.SecretEnv, c.SecretFile)
}
