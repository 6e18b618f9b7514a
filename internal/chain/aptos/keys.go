package aptos

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/anyproto/go-slip10"
	aptossdk "github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/terminal-bench/chainsettle/internal/match"
)

// DerivationPath is the default Aptos account path, all segments hardened.
const DerivationPath = "m/44'/637'/0'/0'/0'"

// ParseSigningKey accepts a 32-byte hex seed, a 64-byte hex private key, or a BIP-39
// mnemonic derived along DerivationPath, and returns the single-key ed25519 account.
func ParseSigningKey(s string) (*aptossdk.Account, error) {
	s = strings.TrimSpace(s)
	var seed []byte
	if strings.Contains(s, " ") {
		var err error
		if seed, err = seedFromMnemonic(s); err != nil {
			return nil, err
		}
	} else {
		raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: signing key is neither hex nor a mnemonic", match.ErrConfiguration)
		}
		switch len(raw) {
		case ed25519.SeedSize, ed25519.PrivateKeySize:
			seed = raw[:ed25519.SeedSize]
		default:
			return nil, fmt.Errorf("%w: signing key must be 32 or 64 bytes, got %d", match.ErrConfiguration, len(raw))
		}
	}

	key := &crypto.Ed25519PrivateKey{}
	if err := key.FromBytes(seed); err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", match.ErrConfiguration, err)
	}
	account, err := aptossdk.NewAccountFromSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", match.ErrConfiguration, err)
	}
	return account, nil
}

func seedFromMnemonic(mnemonic string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: mnemonic: %v", match.ErrConfiguration, err)
	}
	node, err := slip10.DeriveForPath(DerivationPath, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: derive %s: %v", match.ErrConfiguration, DerivationPath, err)
	}
	_, priv := node.Keypair()
	return priv.Seed(), nil
}
