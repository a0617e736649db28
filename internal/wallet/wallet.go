package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrUnavailable is returned when no signing key is configured.
var ErrUnavailable = errors.New("no wallet available")

// Provider hands out signing sessions. It stands in for the wallet extension:
// Connect is the account access request.
type Provider interface {
	Connect(ctx context.Context, chainID *big.Int) (*Session, error)
}

// Session is a connected wallet. It lives until Disconnect or process exit and
// is never written to disk.
type Session struct {
	ID          uuid.UUID
	address     common.Address
	chainID     *big.Int
	transactor  *bind.TransactOpts
	connectedAt time.Time
}

// NewSession derives a signer for key bound to chainID.
func NewSession(key *ecdsa.PrivateKey, chainID *big.Int) (*Session, error) {
	if key == nil {
		return nil, ErrUnavailable
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.GasLimit = 0 // let node estimate
	opts.GasPrice = nil
	opts.Nonce = nil
	opts.NoSend = false

	return &Session{
		ID:          uuid.New(),
		address:     opts.From,
		chainID:     new(big.Int).Set(chainID),
		transactor:  opts,
		connectedAt: time.Now().UTC(),
	}, nil
}

func (s *Session) Address() common.Address { return s.address }

func (s *Session) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// TransactOpts returns a fresh copy of the signer options for one transaction.
func (s *Session) TransactOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	opts := *s.transactor
	opts.Context = ctx
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	} else {
		opts.Value = nil
	}
	return &opts
}

// KeyProvider signs with a raw hex private key.
type KeyProvider struct {
	PrivateKeyHex string
}

func (p KeyProvider) Connect(_ context.Context, chainID *big.Int) (*Session, error) {
	if strings.TrimSpace(p.PrivateKeyHex) == "" {
		return nil, ErrUnavailable
	}
	key, err := parsePrivateKey(p.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewSession(key, chainID)
}

// KeystoreProvider unlocks an encrypted JSON keystore file.
type KeystoreProvider struct {
	Path       string
	Passphrase string
}

func (p KeystoreProvider) Connect(_ context.Context, chainID *big.Int) (*Session, error) {
	if p.Path == "" {
		return nil, ErrUnavailable
	}
	blob, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, p.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}
	return NewSession(key.PrivateKey, chainID)
}

// FromConfig picks the keystore when a path is set, the raw key otherwise.
func FromConfig(keystorePath, passphrase, privateKeyHex string) Provider {
	if keystorePath != "" {
		return KeystoreProvider{Path: keystorePath, Passphrase: passphrase}
	}
	return KeyProvider{PrivateKeyHex: privateKeyHex}
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
