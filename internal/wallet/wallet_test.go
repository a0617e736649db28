package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

func TestKeyProviderConnect(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	p := KeyProvider{PrivateKeyHex: "0x" + hex.EncodeToString(crypto.FromECDSA(key))}
	sess, err := p.Connect(context.Background(), big.NewInt(31337))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sess.Address() != want {
		t.Fatalf("expected %s got %s", want.Hex(), sess.Address().Hex())
	}
	if sess.ChainID().Int64() != 31337 {
		t.Fatalf("unexpected chain id %s", sess.ChainID())
	}
	if sess.ID == uuid.Nil {
		t.Fatalf("expected session id")
	}
}

func TestKeyProviderUnavailable(t *testing.T) {
	_, err := KeyProvider{}.Connect(context.Background(), big.NewInt(1))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	_, err = KeystoreProvider{}.Connect(context.Background(), big.NewInt(1))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestKeyProviderRejectsGarbage(t *testing.T) {
	_, err := KeyProvider{PrivateKeyHex: "0xnothex"}.Connect(context.Background(), big.NewInt(1))
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestKeystoreProviderConnect(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    addr,
		PrivateKey: key,
	}, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	sess, err := KeystoreProvider{Path: path, Passphrase: "hunter2"}.Connect(context.Background(), big.NewInt(5))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sess.Address() != addr {
		t.Fatalf("expected %s got %s", addr.Hex(), sess.Address().Hex())
	}

	if _, err := (KeystoreProvider{Path: path, Passphrase: "wrong"}).Connect(context.Background(), big.NewInt(5)); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestTransactOptsSignsForChain(t *testing.T) {
	key, _ := crypto.GenerateKey()
	chainID := big.NewInt(11155111)
	sess, err := NewSession(key, chainID)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	value := big.NewInt(250)
	opts := sess.TransactOpts(context.Background(), value)
	value.SetInt64(1)
	if opts.Value.Int64() != 250 {
		t.Fatalf("opts value must not alias caller value, got %s", opts.Value)
	}
	if other := sess.TransactOpts(context.Background(), nil); other.Value != nil {
		t.Fatalf("expected nil value on fresh opts")
	}

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(250),
	})
	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != sess.Address() {
		t.Fatalf("signed by %s, want %s", from.Hex(), sess.Address().Hex())
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig("/tmp/key.json", "pw", "abc").(KeystoreProvider); !ok {
		t.Fatalf("expected keystore provider when path set")
	}
	if _, ok := FromConfig("", "", "abc").(KeyProvider); !ok {
		t.Fatalf("expected key provider")
	}
}
