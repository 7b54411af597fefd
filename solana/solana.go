// Package solana talks to the ledger-token rail: generating ephemeral
// deposit keys, funding them with a fee/rent reserve from the master wallet,
// reading balances and sweeping funds back to the master wallet.
package solana

import (
	"context"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"

	"github.com/cascadepay/railcore/build"
)

var log = build.Log

// txFeeLamports is the flat fee a single sweep transfer pays
const txFeeLamports = 5000

// DefaultReserveLamports covers one sweep fee plus rent-exemption headroom
// for the ephemeral account
const DefaultReserveLamports = 1_000_000

// Keypair is an ephemeral deposit identity. The private key only exists in
// memory here, persisting it is the vault's job.
type Keypair struct {
	Address    string
	PrivateKey []byte
}

// Client is the surface the rest of the application uses to talk to the
// ledger. The RPC implementation lives in RPCClient, tests swap in a mock.
type Client interface {
	// GenerateDepositKey creates a fresh ephemeral keypair
	GenerateDepositKey() (Keypair, error)
	// FundReserve transfers the configured reserve from the master wallet
	// to the given address so it can pay for its own future sweep
	FundReserve(ctx context.Context, address string) (string, error)
	// Balance returns the address' balance in base units
	Balance(ctx context.Context, address string) (uint64, error)
	// SweepAll moves the address' entire balance (minus the transfer fee)
	// to the master wallet, signing with the supplied private key. Returns
	// the settlement reference and the amount moved.
	SweepAll(ctx context.Context, privateKey []byte) (string, uint64, error)
	// MasterAddress is where swept funds end up
	MasterAddress() string
}

// Config holds everything needed to talk to the rail. The master wallet is
// explicit configuration passed around, never a process-global.
type Config struct {
	RPCURL    string
	MasterKey solanago.PrivateKey
	// ReserveLamports is what each fresh deposit address gets funded with
	ReserveLamports uint64
}

// RPCClient implements Client against a ledger RPC node
type RPCClient struct {
	rpc  *rpc.Client
	conf Config
}

var _ Client = &RPCClient{}

// NewRPCClient dials the configured RPC node
func NewRPCClient(conf Config) (*RPCClient, error) {
	if len(conf.MasterKey) == 0 {
		return nil, errors.New("master wallet key is required")
	}
	if conf.ReserveLamports == 0 {
		conf.ReserveLamports = DefaultReserveLamports
	}

	log.WithField("rpc", conf.RPCURL).Info("Connecting to ledger RPC")
	return &RPCClient{
		rpc:  rpc.New(conf.RPCURL),
		conf: conf,
	}, nil
}

// GenerateDepositKey creates a fresh ephemeral keypair
func (c *RPCClient) GenerateDepositKey() (Keypair, error) {
	key, err := solanago.NewRandomPrivateKey()
	if err != nil {
		return Keypair{}, errors.Wrap(err, "could not generate deposit key")
	}
	return Keypair{
		Address:    key.PublicKey().String(),
		PrivateKey: []byte(key),
	}, nil
}

// MasterAddress is where swept funds end up
func (c *RPCClient) MasterAddress() string {
	return c.conf.MasterKey.PublicKey().String()
}

// FundReserve transfers the reserve from the master wallet to the address
func (c *RPCClient) FundReserve(ctx context.Context, address string) (string, error) {
	recipient, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return "", errors.Wrap(err, "invalid deposit address")
	}

	sig, err := c.transfer(ctx, c.conf.MasterKey, recipient, c.conf.ReserveLamports)
	if err != nil {
		return "", errors.Wrap(err, "could not fund deposit reserve")
	}

	log.WithField("address", address).Debug("Funded deposit address reserve")
	return sig, nil
}

// Balance returns the address' balance in base units
func (c *RPCClient) Balance(ctx context.Context, address string) (uint64, error) {
	account, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return 0, errors.Wrap(err, "invalid address")
	}

	res, err := c.rpc.GetBalance(ctx, account, rpc.CommitmentFinalized)
	if err != nil {
		return 0, errors.Wrap(err, "could not get balance")
	}
	return res.Value, nil
}

// SweepAll drains the ephemeral account into the master wallet
func (c *RPCClient) SweepAll(ctx context.Context, privateKey []byte) (string, uint64, error) {
	key := solanago.PrivateKey(privateKey)
	source := key.PublicKey()

	balance, err := c.Balance(ctx, source.String())
	if err != nil {
		return "", 0, err
	}
	if balance <= txFeeLamports {
		return "", 0, fmt.Errorf("balance %d at %s cannot cover the transfer fee", balance, source)
	}

	amount := balance - txFeeLamports
	sig, err := c.transfer(ctx, key, c.conf.MasterKey.PublicKey(), amount)
	if err != nil {
		return "", 0, errors.Wrap(err, "sweep transfer failed")
	}

	return sig, amount, nil
}

func (c *RPCClient) transfer(ctx context.Context, from solanago.PrivateKey,
	to solanago.PublicKey, lamports uint64) (string, error) {

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", errors.Wrap(err, "could not get recent blockhash")
	}

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(lamports, from.PublicKey(), to).Build(),
		},
		recent.Value.Blockhash,
		solanago.TransactionPayer(from.PublicKey()),
	)
	if err != nil {
		return "", errors.Wrap(err, "could not build transfer")
	}

	_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(from.PublicKey()) {
			return &from
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "could not sign transfer")
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not submit transfer")
	}

	return sig.String(), nil
}
