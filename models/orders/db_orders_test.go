package orders_test

import (
	"os"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/testutil"
	"github.com/cascadepay/railcore/testutil/lntest"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("orders")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevel(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

func insertLightningOrder(t *testing.T, customerID int) orders.Order {
	t.Helper()

	usd := decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2)
	invoice := lntest.MockPaymentRequest(250_000, gofakeit.HipsterWord())
	order, err := orders.Insert(testDB, orders.Order{
		CustomerID:     customerID,
		RequestedUsd:   usd,
		RequestedUnits: 250_000,
		Rail:           orders.Lightning,
		Invoice:        &invoice,
		Expiry:         3600,
	})
	require.NoError(t, err)
	return order
}

func insertLedgerOrder(t *testing.T, customerID int) orders.Order {
	t.Helper()

	usd := decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2)
	address := gofakeit.UUID()
	order, err := orders.Insert(testDB, orders.Order{
		CustomerID:     customerID,
		RequestedUsd:   usd,
		RequestedUnits: 5_000_000,
		Rail:           orders.LedgerToken,
		DepositAddress: &address,
		EncryptedKey:   []byte(gofakeit.UUID()),
		KeyNonce:       []byte("123456789012"),
	})
	require.NoError(t, err)
	return order
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()

	t.Run("round trip a ledger order", func(t *testing.T) {
		t.Parallel()
		inserted := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

		found, err := orders.GetByID(testDB, inserted.ID)
		require.NoError(t, err)

		assert.Equal(t, inserted.ID, found.ID)
		assert.Equal(t, orders.PENDING, found.Status)
		assert.Equal(t, orders.SourceNone, found.ConfirmationSource)
		assert.Equal(t, *inserted.DepositAddress, *found.DepositAddress)
		assert.Equal(t, inserted.EncryptedKey, found.EncryptedKey)
		assert.True(t, inserted.RequestedUsd.Equal(found.RequestedUsd))
	})

	t.Run("find a ledger order by its deposit address", func(t *testing.T) {
		t.Parallel()
		inserted := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

		found, err := orders.GetByDepositAddress(testDB, *inserted.DepositAddress)
		require.NoError(t, err)
		assert.Equal(t, inserted.ID, found.ID)
	})

	t.Run("find a lightning order by its invoice", func(t *testing.T) {
		t.Parallel()
		inserted := insertLightningOrder(t, gofakeit.Number(1, 1000000))

		found, err := orders.GetByInvoice(testDB, *inserted.Invoice)
		require.NoError(t, err)
		assert.Equal(t, inserted.ID, found.ID)
	})

	t.Run("unknown lookups yield ErrOrderNotFound", func(t *testing.T) {
		t.Parallel()
		_, err := orders.GetByID(testDB, uuid.New())
		assert.ErrorIs(t, err, orders.ErrOrderNotFound)

		_, err = orders.GetByDepositAddress(testDB, gofakeit.UUID())
		assert.ErrorIs(t, err, orders.ErrOrderNotFound)

		_, err = orders.GetByInvoice(testDB, gofakeit.UUID())
		assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	})
}

func TestGetAllByCustomer(t *testing.T) {
	t.Parallel()
	customerID := gofakeit.Number(2000000, 3000000)

	for i := 0; i < 5; i++ {
		insertLightningOrder(t, customerID)
	}

	all, err := orders.GetAllByCustomer(testDB, customerID)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	paged, err := orders.GetAllByCustomerLimitOffset(testDB, customerID, 2, 1)
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, all[1].ID, paged[0].ID)
	assert.Equal(t, all[2].ID, paged[1].ID)
}

func TestMarkAsPaid(t *testing.T) {
	t.Parallel()

	t.Run("records source and settlement reference", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

		paid, err := orders.MarkAsPaid(testDB, order.ID, orders.SourceWebhook, "tx-ref-1")
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, paid.Status)
		assert.Equal(t, orders.SourceWebhook, paid.ConfirmationSource)
		require.NotNil(t, paid.SettlementTxRef)
		assert.Equal(t, "tx-ref-1", *paid.SettlementTxRef)
		assert.NotNil(t, paid.PaidAt)
	})

	t.Run("second confirmation gets ErrNotPending", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

		_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourceWebhook, "first")
		require.NoError(t, err)

		_, err = orders.MarkAsPaid(testDB, order.ID, orders.SourcePoll, "second")
		assert.ErrorIs(t, err, orders.ErrNotPending)

		// the winner's source sticks
		found, err := orders.GetByID(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.SourceWebhook, found.ConfirmationSource)
		assert.Equal(t, "first", *found.SettlementTxRef)
	})

	t.Run("exactly one of many concurrent confirmations wins", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

		const racers = 10
		var wg sync.WaitGroup
		winners := make(chan orders.ConfirmationSource, racers)
		var notPending int64
		var mu sync.Mutex

		for i := 0; i < racers; i++ {
			wg.Add(1)
			source := orders.SourceWebhook
			if i%2 == 0 {
				source = orders.SourcePoll
			}
			go func(source orders.ConfirmationSource) {
				defer wg.Done()
				paid, err := orders.MarkAsPaid(testDB, order.ID, source, string(source))
				if err == nil {
					winners <- paid.ConfirmationSource
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if assert.ErrorIs(t, err, orders.ErrNotPending) {
					notPending++
				}
			}(source)
		}
		wg.Wait()
		close(winners)

		var won []orders.ConfirmationSource
		for w := range winners {
			won = append(won, w)
		}
		require.Len(t, won, 1)
		assert.EqualValues(t, racers-1, notPending)

		found, err := orders.GetByID(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, found.Status)
		assert.Equal(t, won[0], found.ConfirmationSource)
	})
}

func TestSweepTransitions(t *testing.T) {
	t.Parallel()

	t.Run("paid orders walk sweeping to completed", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))
		_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourcePoll, "ref")
		require.NoError(t, err)

		sweeping, err := orders.MarkAsSweeping(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.SWEEPING, sweeping.Status)

		completed, err := orders.MarkAsCompleted(testDB, order.ID, "sweep-sig")
		require.NoError(t, err)
		assert.Equal(t, orders.COMPLETED, completed.Status)
		assert.Equal(t, "sweep-sig", *completed.SettlementTxRef)
	})

	t.Run("only one caller claims a paid order for sweeping", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))
		_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourcePoll, "ref")
		require.NoError(t, err)

		_, err = orders.MarkAsSweeping(testDB, order.ID)
		require.NoError(t, err)

		_, err = orders.MarkAsSweeping(testDB, order.ID)
		assert.ErrorIs(t, err, orders.ErrBadTransition)
	})

	t.Run("a parked sweep can be re-armed exactly once per recovery", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))
		_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourceWebhook, "ref")
		require.NoError(t, err)
		_, err = orders.MarkAsSweeping(testDB, order.ID)
		require.NoError(t, err)

		parked, err := orders.MarkAsSweepFailed(testDB, order.ID, "transfer rejected")
		require.NoError(t, err)
		assert.Equal(t, orders.SWEEP_FAILED, parked.Status)
		assert.Equal(t, "transfer rejected", *parked.FailureReason)

		rearmed, err := orders.MarkRecoverySweeping(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.SWEEPING, rearmed.Status)

		_, err = orders.MarkRecoverySweeping(testDB, order.ID)
		assert.ErrorIs(t, err, orders.ErrBadTransition)
	})

	t.Run("pending orders can not be swept", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

		_, err := orders.MarkAsSweeping(testDB, order.ID)
		assert.ErrorIs(t, err, orders.ErrBadTransition)
	})
}

func TestMarkAsFailed(t *testing.T) {
	t.Parallel()
	order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

	failed, err := orders.MarkAsFailed(testDB, order.ID, "reserve funding failed")
	require.NoError(t, err)
	assert.Equal(t, orders.FAILED, failed.Status)
	assert.Equal(t, "reserve funding failed", *failed.FailureReason)

	_, err = orders.MarkAsFailed(testDB, order.ID, "again")
	assert.ErrorIs(t, err, orders.ErrBadTransition)
}

func TestMarkLightningCompleted(t *testing.T) {
	t.Parallel()

	t.Run("completes a paid lightning order", func(t *testing.T) {
		t.Parallel()
		order := insertLightningOrder(t, gofakeit.Number(1, 1000000))
		_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourceWebhook, "ref")
		require.NoError(t, err)

		completed, err := orders.MarkLightningCompleted(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.COMPLETED, completed.Status)
	})

	t.Run("refuses ledger orders, those must sweep", func(t *testing.T) {
		t.Parallel()
		order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))
		_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourceWebhook, "ref")
		require.NoError(t, err)

		_, err = orders.MarkLightningCompleted(testDB, order.ID)
		assert.ErrorIs(t, err, orders.ErrBadTransition)
	})
}

func TestMarkExpired(t *testing.T) {
	t.Parallel()

	customerID := gofakeit.Number(3000000, 4000000)
	invoice := lntest.MockPaymentRequest(100_000, "stale")
	lapsed, err := orders.Insert(testDB, orders.Order{
		CustomerID:     customerID,
		RequestedUsd:   decimal.NewFromInt(10),
		RequestedUnits: 100_000,
		Rail:           orders.Lightning,
		Invoice:        &invoice,
		// already lapsed at insertion time
		Expiry: 0,
	})
	require.NoError(t, err)

	fresh := insertLightningOrder(t, customerID)

	expired, err := orders.MarkExpired(testDB)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, o := range expired {
		ids = append(ids, o.ID)
	}
	assert.Contains(t, ids, lapsed.ID)
	assert.NotContains(t, ids, fresh.ID)

	found, err := orders.GetByID(testDB, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.EXPIRED, found.Status)

	stillPending, err := orders.GetByID(testDB, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PENDING, stillPending.Status)
}

func TestListPendingByRail(t *testing.T) {
	t.Parallel()
	order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))

	pending, err := orders.ListPendingByRail(testDB, orders.LedgerToken)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, o := range pending {
		ids = append(ids, o.ID)
		assert.Equal(t, orders.LedgerToken, o.Rail)
		assert.Equal(t, orders.PENDING, o.Status)
	}
	assert.Contains(t, ids, order.ID)
}

func TestListPaid(t *testing.T) {
	t.Parallel()
	order := insertLedgerOrder(t, gofakeit.Number(1, 1000000))
	_, err := orders.MarkAsPaid(testDB, order.ID, orders.SourcePoll, "ref")
	require.NoError(t, err)

	paid, err := orders.ListPaid(testDB)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, o := range paid {
		ids = append(ids, o.ID)
		assert.Equal(t, orders.PAID, o.Status)
	}
	assert.Contains(t, ids, order.ID)
}
