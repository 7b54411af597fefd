package sweep_test

import (
	"context"
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/sweep"
	"github.com/cascadepay/railcore/testutil"
	"github.com/cascadepay/railcore/testutil/lntest"
	"github.com/cascadepay/railcore/testutil/mock"
	"github.com/cascadepay/railcore/vault"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("sweep")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevel(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

type testRig struct {
	executor *sweep.Executor
	ledger   *mock.LedgerClient
	vault    *vault.Vault
}

func newTestRig(t *testing.T) testRig {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	keyVault, err := vault.New(key)
	require.NoError(t, err)

	ledger := mock.NewLedgerClient()
	return testRig{
		executor: sweep.New(sweep.Config{
			DB:     testDB,
			Ledger: ledger,
			Vault:  keyVault,
		}),
		ledger: ledger,
		vault:  keyVault,
	}
}

// insertPaidLedgerOrder creates a confirmed ledger order whose sealed key
// opens against the rig's vault, with the given balance waiting on-ledger
func insertPaidLedgerOrder(t *testing.T, rig testRig, balance uint64) orders.Order {
	t.Helper()

	key, err := rig.ledger.GenerateDepositKey()
	require.NoError(t, err)
	sealed, err := rig.vault.Encrypt(key.PrivateKey)
	require.NoError(t, err)

	order, err := orders.Insert(testDB, orders.Order{
		CustomerID:     gofakeit.Number(1, 1000000),
		RequestedUsd:   decimal.NewFromInt(100),
		RequestedUnits: int64(balance),
		Rail:           orders.LedgerToken,
		DepositAddress: &key.Address,
		EncryptedKey:   sealed.Ciphertext,
		KeyNonce:       sealed.Nonce,
	})
	require.NoError(t, err)

	rig.ledger.SetBalance(key.Address, balance)

	paid, err := orders.MarkAsPaid(testDB, order.ID, orders.SourceWebhook, "deposit-tx")
	require.NoError(t, err)
	return paid
}

func insertPaidLightningOrder(t *testing.T) orders.Order {
	t.Helper()

	invoice := lntest.MockPaymentRequest(250_000, gofakeit.HipsterWord())
	order, err := orders.Insert(testDB, orders.Order{
		CustomerID:     gofakeit.Number(1, 1000000),
		RequestedUsd:   decimal.NewFromInt(25),
		RequestedUnits: 250_000,
		Rail:           orders.Lightning,
		Invoice:        &invoice,
		Expiry:         3600,
	})
	require.NoError(t, err)

	paid, err := orders.MarkAsPaid(testDB, order.ID, orders.SourcePoll, "settle-ref")
	require.NoError(t, err)
	return paid
}

func awaitStatus(t *testing.T, id uuid.UUID, want orders.Status) orders.Order {
	t.Helper()

	var found orders.Order
	require.Eventually(t, func() bool {
		var err error
		found, err = orders.GetByID(testDB, id)
		return err == nil && found.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return found
}

func TestSweepSettlesLedgerOrder(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	order := insertPaidLedgerOrder(t, rig, 5_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.executor.Start(ctx)

	rig.executor.Enqueue(order)

	completed := awaitStatus(t, order.ID, orders.COMPLETED)
	require.NotNil(t, completed.SettlementTxRef)
	assert.NotEqual(t, "deposit-tx", *completed.SettlementTxRef)

	assert.Equal(t, 1, rig.ledger.Sweeps())

	// the ephemeral address is drained
	balance, err := rig.ledger.Balance(ctx, *order.DepositAddress)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestLightningOrdersCompleteWithoutSweeping(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	order := insertPaidLightningOrder(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.executor.Start(ctx)

	rig.executor.Enqueue(order)

	awaitStatus(t, order.ID, orders.COMPLETED)
	assert.Zero(t, rig.ledger.Sweeps())
}

func TestFailedSweepParksOrder(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.ledger.FailSweeps = true
	order := insertPaidLedgerOrder(t, rig, 5_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.executor.Start(ctx)

	rig.executor.Enqueue(order)

	parked := awaitStatus(t, order.ID, orders.SWEEP_FAILED)
	require.NotNil(t, parked.FailureReason)
	assert.Contains(t, *parked.FailureReason, "sweep submission failed")

	// no automatic second attempt happens
	time.Sleep(100 * time.Millisecond)
	still, err := orders.GetByID(testDB, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.SWEEP_FAILED, still.Status)
}

func TestTamperedKeyParksOrder(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	order := insertPaidLedgerOrder(t, rig, 5_000_000)

	// corrupt the sealed key in place, as a broken or tampered DB would
	_, err := testDB.Exec(
		`UPDATE orders SET encrypted_key = encrypted_key || '\x00'::bytea WHERE id=$1`,
		order.ID)
	require.NoError(t, err)
	tampered, err := orders.GetByID(testDB, order.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.executor.Start(ctx)

	rig.executor.Enqueue(tampered)

	parked := awaitStatus(t, order.ID, orders.SWEEP_FAILED)
	require.NotNil(t, parked.FailureReason)
	assert.Equal(t, "sealed deposit key failed authentication", *parked.FailureReason)

	// funds never moved
	balance, err := rig.ledger.Balance(ctx, *order.DepositAddress)
	require.NoError(t, err)
	assert.EqualValues(t, 5_000_000, balance)
	assert.Zero(t, rig.ledger.Sweeps())
}

func TestRecover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("re-arms a parked sweep for one attempt", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t)
		rig.ledger.FailSweeps = true
		order := insertPaidLedgerOrder(t, rig, 5_000_000)

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rig.executor.Start(runCtx)

		rig.executor.Enqueue(order)
		awaitStatus(t, order.ID, orders.SWEEP_FAILED)

		// operator fixed the underlying problem
		rig.ledger.FailSweeps = false

		recovered, err := rig.executor.Recover(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.COMPLETED, recovered.Status)
		assert.Equal(t, 1, rig.ledger.Sweeps())
	})

	t.Run("a recovery attempt can fail and park again", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t)
		rig.ledger.FailSweeps = true
		order := insertPaidLedgerOrder(t, rig, 5_000_000)

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rig.executor.Start(runCtx)

		rig.executor.Enqueue(order)
		awaitStatus(t, order.ID, orders.SWEEP_FAILED)

		recovered, err := rig.executor.Recover(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.SWEEP_FAILED, recovered.Status)
	})

	t.Run("only sweep_failed orders are recoverable", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t)
		order := insertPaidLedgerOrder(t, rig, 5_000_000)

		_, err := rig.executor.Recover(ctx, order.ID)
		assert.ErrorIs(t, err, sweep.ErrNotRecoverable)
	})
}

// TestResume deliberately doesn't run in parallel: Resume picks up every
// unsettled order in the database, so no other test may have paid orders in
// flight while it runs.
func TestResume(t *testing.T) {
	rig := newTestRig(t)
	order := insertPaidLedgerOrder(t, rig, 5_000_000)

	// a fresh executor after a restart finds the unsettled order
	require.NoError(t, rig.executor.Resume())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.executor.Start(ctx)

	awaitStatus(t, order.ID, orders.COMPLETED)
	assert.Equal(t, 1, rig.ledger.Sweeps())
}
