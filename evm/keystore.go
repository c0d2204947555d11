package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/agentrails/agentpay"
)

// WithKeystore loads the signing key from an encrypted geth keystore file.
func WithKeystore(path, password string) SignerOption {
	return func(s *Signer) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", agentpay.ErrInvalidKeystore, err)
		}

		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: invalid JSON format", agentpay.ErrInvalidKeystore)
		}

		keyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: decryption failed", agentpay.ErrInvalidKeystore)
		}

		key, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return fmt.Errorf("%w: invalid private key", agentpay.ErrInvalidKeystore)
		}

		s.privateKey = key
		return nil
	}
}

// WithMnemonic derives the signing key from a BIP39 mnemonic at the standard
// Ethereum path m/44'/60'/0'/0/{accountIndex}.
func WithMnemonic(mnemonic string, accountIndex uint32) SignerOption {
	return func(s *Signer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return agentpay.ErrInvalidMnemonic
		}

		seed := bip39.NewSeed(mnemonic, "")
		key, err := deriveAccountKey(seed, accountIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", agentpay.ErrInvalidMnemonic, err)
		}

		s.privateKey = key
		return nil
	}
}

// deriveAccountKey walks the BIP44 path m/44'/60'/0'/0/{index} from the seed.
func deriveAccountKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild,
		0,
		index,
	}
	for _, segment := range path {
		key, err = key.NewChildKey(segment)
		if err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}
