package monitor_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/models/orders"
	"github.com/cascadepay/railcore/monitor"
	"github.com/cascadepay/railcore/testutil"
	"github.com/cascadepay/railcore/testutil/lntest"
	"github.com/cascadepay/railcore/testutil/mock"
)

const reserveUnits = 1_000_000

var (
	databaseConfig = testutil.GetDatabaseConfig("monitor")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevel(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

// settlerSpy records what the monitor hands off for settlement
type settlerSpy struct {
	mu      sync.Mutex
	settled []orders.Order
}

func (s *settlerSpy) Enqueue(order orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, order)
}

func (s *settlerSpy) orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.Order{}, s.settled...)
}

type testRig struct {
	monitor *monitor.Monitor
	ledger  *mock.LedgerClient
	gateway *mock.GatewayClient
	settler *settlerSpy
}

func newTestRig(t *testing.T, pollInterval time.Duration) testRig {
	t.Helper()
	ledger := mock.NewLedgerClient()
	gatewayClient := mock.NewGatewayClient()
	settler := &settlerSpy{}

	return testRig{
		monitor: monitor.New(monitor.Config{
			DB:           testDB,
			Ledger:       ledger,
			Gateway:      gatewayClient,
			Settler:      settler,
			ReserveUnits: reserveUnits,
			PollInterval: pollInterval,
		}),
		ledger:  ledger,
		gateway: gatewayClient,
		settler: settler,
	}
}

func insertLedgerOrder(t *testing.T, ledger *mock.LedgerClient, requestedUnits int64) orders.Order {
	t.Helper()

	key, err := ledger.GenerateDepositKey()
	require.NoError(t, err)

	order, err := orders.Insert(testDB, orders.Order{
		CustomerID:     gofakeit.Number(1, 1000000),
		RequestedUsd:   decimal.NewFromInt(50),
		RequestedUnits: requestedUnits,
		Rail:           orders.LedgerToken,
		DepositAddress: &key.Address,
		EncryptedKey:   key.PrivateKey,
		KeyNonce:       []byte("123456789012"),
	})
	require.NoError(t, err)
	return order
}

func insertLightningOrder(t *testing.T, expiry int64) orders.Order {
	t.Helper()

	invoice := lntest.MockPaymentRequest(250_000, gofakeit.HipsterWord())
	order, err := orders.Insert(testDB, orders.Order{
		CustomerID:     gofakeit.Number(1, 1000000),
		RequestedUsd:   decimal.NewFromInt(25),
		RequestedUnits: 250_000,
		Rail:           orders.Lightning,
		Invoice:        &invoice,
		Expiry:         expiry,
	})
	require.NoError(t, err)
	return order
}

func TestObserve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first observation confirms and enqueues", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, time.Hour)
		order := insertLedgerOrder(t, rig.ledger, 5_000_000)

		confirmed, err := rig.monitor.Observe(ctx, monitor.Observation{
			Source:         orders.SourceWebhook,
			DepositAddress: *order.DepositAddress,
			Amount:         5_000_000,
			TxRef:          "tx-1",
		})
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, confirmed.Status)
		assert.Equal(t, orders.SourceWebhook, confirmed.ConfirmationSource)

		settled := rig.settler.orders()
		require.Len(t, settled, 1)
		assert.Equal(t, order.ID, settled[0].ID)
	})

	t.Run("the second path's report is a clean duplicate", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, time.Hour)
		order := insertLedgerOrder(t, rig.ledger, 5_000_000)

		_, err := rig.monitor.Observe(ctx, monitor.Observation{
			Source:         orders.SourceWebhook,
			DepositAddress: *order.DepositAddress,
			Amount:         5_000_000,
		})
		require.NoError(t, err)

		// the poller reports the same deposit later
		dup, err := rig.monitor.Observe(ctx, monitor.Observation{
			Source:         orders.SourcePoll,
			DepositAddress: *order.DepositAddress,
			Amount:         5_000_000,
		})
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, dup.Status)
		assert.Equal(t, orders.SourceWebhook, dup.ConfirmationSource)

		assert.Len(t, rig.settler.orders(), 1)
	})

	t.Run("racing paths settle the order exactly once", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, time.Hour)
		order := insertLedgerOrder(t, rig.ledger, 5_000_000)

		const racers = 8
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			source := orders.SourceWebhook
			if i%2 == 0 {
				source = orders.SourcePoll
			}
			go func(source orders.ConfirmationSource) {
				defer wg.Done()
				_, err := rig.monitor.Observe(ctx, monitor.Observation{
					Source:         source,
					DepositAddress: *order.DepositAddress,
					Amount:         5_000_000,
				})
				assert.NoError(t, err)
			}(source)
		}
		wg.Wait()

		assert.Len(t, rig.settler.orders(), 1)
	})

	t.Run("underpayments leave the order pending", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, time.Hour)
		order := insertLedgerOrder(t, rig.ledger, 5_000_000)

		_, err := rig.monitor.Observe(ctx, monitor.Observation{
			Source:         orders.SourceWebhook,
			DepositAddress: *order.DepositAddress,
			Amount:         4_999_999,
		})
		assert.ErrorIs(t, err, monitor.ErrUnderpaid)

		found, err := orders.GetByID(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.PENDING, found.Status)
		assert.Empty(t, rig.settler.orders())
	})

	t.Run("observations without a matching order error", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, time.Hour)

		_, err := rig.monitor.Observe(ctx, monitor.Observation{
			Source:         orders.SourceWebhook,
			DepositAddress: gofakeit.UUID(),
			Amount:         1,
		})
		assert.ErrorIs(t, err, monitor.ErrOrderNotFound)

		_, err = rig.monitor.Observe(ctx, monitor.Observation{Source: orders.SourcePoll})
		assert.ErrorIs(t, err, monitor.ErrOrderNotFound)
	})
}

func TestPolling(t *testing.T) {
	t.Parallel()

	t.Run("picks up a funded deposit address", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, 10*time.Millisecond)
		order := insertLedgerOrder(t, rig.ledger, 5_000_000)

		// raw balance includes the reserve we funded
		rig.ledger.SetBalance(*order.DepositAddress, reserveUnits+5_000_000)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rig.monitor.Start(ctx)

		require.Eventually(t, func() bool {
			return len(rig.settler.orders()) == 1
		}, 3*time.Second, 10*time.Millisecond)

		found, err := orders.GetByID(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, found.Status)
		assert.Equal(t, orders.SourcePoll, found.ConfirmationSource)
	})

	t.Run("ignores balances that only cover the reserve", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, 10*time.Millisecond)
		order := insertLedgerOrder(t, rig.ledger, 5_000_000)

		rig.ledger.SetBalance(*order.DepositAddress, reserveUnits)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rig.monitor.Start(ctx)

		time.Sleep(100 * time.Millisecond)

		found, err := orders.GetByID(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.PENDING, found.Status)
		assert.Empty(t, rig.settler.orders())
	})

	t.Run("picks up a settled invoice", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, 10*time.Millisecond)
		order := insertLightningOrder(t, 3600)

		ref := rig.gateway.SettleInvoice(*order.Invoice)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rig.monitor.Start(ctx)

		require.Eventually(t, func() bool {
			return len(rig.settler.orders()) == 1
		}, 3*time.Second, 10*time.Millisecond)

		found, err := orders.GetByID(testDB, order.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.PAID, found.Status)
		require.NotNil(t, found.SettlementTxRef)
		assert.Equal(t, ref, *found.SettlementTxRef)
	})

	t.Run("expires lapsed invoices", func(t *testing.T) {
		t.Parallel()
		rig := newTestRig(t, 10*time.Millisecond)
		order := insertLightningOrder(t, 0)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rig.monitor.Start(ctx)

		require.Eventually(t, func() bool {
			found, err := orders.GetByID(testDB, order.ID)
			return err == nil && found.Status == orders.EXPIRED
		}, 3*time.Second, 10*time.Millisecond)

		assert.Empty(t, rig.settler.orders())
	})
}
