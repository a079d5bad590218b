package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignerSource describes where the submission key comes from. A raw hex key
// takes precedence over an encrypted keystore file.
type SignerSource struct {
	HexKey       string
	KeystorePath string
	Passphrase   func() (string, error)
}

// LoadSigner resolves the submission key. It returns nil without error when
// no source is configured, leaving the client read-only.
func LoadSigner(src SignerSource) (*ecdsa.PrivateKey, error) {
	if hexKey := strings.TrimPrefix(strings.TrimSpace(src.HexKey), "0x"); hexKey != "" {
		key, err := gethcrypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse signer key: %w", err)
		}
		return key, nil
	}
	path := strings.TrimSpace(src.KeystorePath)
	if path == "" {
		return nil, nil
	}
	if src.Passphrase == nil {
		return nil, errors.New("ledger: keystore passphrase source required")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read keystore: %w", err)
	}
	passphrase, err := src.Passphrase()
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("ledger: decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}
