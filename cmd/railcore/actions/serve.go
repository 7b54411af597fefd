package actions

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/cascadepay/railcore/api"
	"github.com/cascadepay/railcore/api/apihooks"
	"github.com/cascadepay/railcore/async"
	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/cashouts"
	"github.com/cascadepay/railcore/cmd/railcore/flags"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/deposits"
	"github.com/cascadepay/railcore/dummy"
	"github.com/cascadepay/railcore/gateway"
	"github.com/cascadepay/railcore/monitor"
	"github.com/cascadepay/railcore/notifier"
	"github.com/cascadepay/railcore/rates"
	"github.com/cascadepay/railcore/resolver"
	"github.com/cascadepay/railcore/solana"
	"github.com/cascadepay/railcore/sweep"
	"github.com/cascadepay/railcore/vault"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitLedger tries to get a RPC response from the ledger node, returning an
// error if that isn't possible within a set of attempts
func awaitLedger(ledger solana.Client) error {
	retry := func() bool {
		_, err := ledger.Balance(context.Background(), ledger.MasterAddress())
		if err != nil {
			wrapped := fmt.Errorf("awaitLedger: %w", err)
			log.WithError(wrapped).Debug("master balance probe failed")
		}
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach ledger RPC")
}

// Serve starts the payment core API together with its background workers
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the dual rail payment core api",
		Action: func(c *cli.Context) error {
			network, err := flags.ReadNetwork(c)
			if err != nil {
				return err
			}

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// we do a DB status check here, to verify that we can connect
			// to the DB. otherwise errors there won't get picked up until later
			if _, err := database.MigrationStatus(); err != nil {
				return fmt.Errorf("could not query DB migration status: %w", err)
			}
			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			keyVault, err := vault.FromHex(c.String("vault.key"))
			if err != nil {
				return fmt.Errorf("could not load vault key: %w", err)
			}

			ledgerConf, err := flags.ReadLedgerConf(c)
			if err != nil {
				return err
			}
			ledger, err := solana.NewRPCClient(ledgerConf)
			if err != nil {
				return err
			}
			if err := awaitLedger(ledger); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"rpc":    ledgerConf.RPCURL,
				"master": ledger.MasterAddress(),
			}).Info("Ledger RPC is reachable")

			gatewayClient := gateway.NewHTTPClient(gateway.Config{
				BaseURL: c.String("gateway.url"),
				APIKey:  c.String("gateway.api-key"),
			})
			ratesClient := rates.NewHTTPClient(rates.Config{
				BaseURL: c.String("rates.url"),
			})
			notifierClient := notifier.NewHTTPClient(notifier.Config{
				BaseURL:     c.String("notifier.url"),
				APIKey:      c.String("notifier.api-key"),
				CallbackURL: c.String("notifier.callback-url"),
			})

			sweeper := sweep.New(sweep.Config{
				DB:     database,
				Ledger: ledger,
				Vault:  keyVault,
			})
			mon := monitor.New(monitor.Config{
				DB:           database,
				Ledger:       ledger,
				Gateway:      gatewayClient,
				Settler:      sweeper,
				ReserveUnits: ledgerConf.ReserveLamports,
				PollInterval: c.Duration("poll-interval"),
			})

			depositService := &deposits.Service{
				DB:       database,
				Ledger:   ledger,
				Gateway:  gatewayClient,
				Rates:    ratesClient,
				Notifier: notifierClient,
				Vault:    keyVault,
			}
			cashoutService := &cashouts.Service{
				DB:      database,
				Gateway: gatewayClient,
				Rates:   ratesClient,
				Resolver: resolver.New(resolver.Config{
					Network: &network,
					Rates:   ratesClient,
				}),
			}

			config := api.Config{
				LogLevel: build.Log.Level,
				Network:  &network,
				Hooks: apihooks.Config{
					NotifierSecret: []byte(c.String("notifier.webhook-secret")),
					GatewaySecret:  []byte(c.String("gateway.webhook-secret")),
					ReserveUnits:   ledgerConf.ReserveLamports,
				},
				CorsOrigins: c.StringSlice("cors.origin"),
			}

			a, err := api.NewApp(database, api.Services{
				Deposits: depositService,
				Cashouts: cashoutService,
				Monitor:  mon,
				Sweeper:  sweeper,
				Ledger:   ledger,
			}, config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go sweeper.Start(ctx)
			if err := sweeper.Resume(); err != nil {
				log.WithError(err).Error("Could not resume unsettled orders")
			}
			go mon.Start(ctx)

			if c.Bool("dummy.gen-data") {
				if network.Name == chaincfg.RegressionNetParams.Name {
					force := c.Bool("dummy.force")
					if !force {
						fmt.Println("Are you sure you want to fill dummy data? y/n")
						if !askForConfirmation() {
							log.Info("Not populating DB with dummy data")
							return nil
						}
					}

					if err := dummy.FillWithData(database, keyVault, c.Bool("dummy.only-once")); err != nil {
						return err
					}
				} else {
					log.Warn("dummy.gen-data flag is set, but network is not regtest")
				}
			}

			address := fmt.Sprintf(":%d", c.Int("port"))
			if os.Getenv(gin.EnvGinMode) == gin.ReleaseMode {
				err = a.Router.RunTLS(address,
					c.String("tls-cert-file"),
					c.String("tls-key-file"))
			} else {
				err = a.Router.Run(address)
			}

			return err
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 5000,
			Usage: "Port number to listen on",
		},
		cli.DurationFlag{
			Name:  "poll-interval",
			Value: monitor.DefaultPollInterval,
			Usage: "How often the deposit poller checks pending orders",
		},
		cli.StringSliceFlag{
			Name:  "cors.origin",
			Usage: "Allowed CORS origin, can be repeated",
		},

		// dummy data generation
		cli.BoolFlag{
			Name:  "dummy.gen-data",
			Usage: "If the Db should be populated with dummy data. Only happens if network is regtest",
		},
		cli.BoolFlag{
			Name:  "dummy.force",
			Usage: "Whether or not to ask for confirmation before populating with dummy data",
		},
		cli.BoolFlag{
			Name:  "dummy.only-once",
			Usage: "Only fill with dummy data if DB is empty",
		},

		// security keys
		cli.StringFlag{
			Name:     "vault.key",
			EnvVar:   "RAILCORE_VAULT_KEY",
			Usage:    "Hex encoded 32 byte key used to seal ephemeral deposit keys",
			Required: true,
		},
		cli.StringFlag{
			Name:      "tls-cert-file",
			EnvVar:    "RAILCORE_TLS_CERT_FILE",
			Usage:     "Path to TLS cert file",
			TakesFile: true,
			Required:  os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
		cli.StringFlag{
			Name:     "tls-key-file",
			EnvVar:   "RAILCORE_TLS_KEY_FILE",
			Usage:    "Path to TLS key file",
			Required: os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},

		// external services
		cli.StringFlag{
			Name:     "gateway.url",
			Usage:    "Base URL of the payment gateway",
			Required: true,
		},
		cli.StringFlag{
			Name:   "gateway.api-key",
			Usage:  "API key used to authenticate against the payment gateway",
			EnvVar: "RAILCORE_GATEWAY_API_KEY",
		},
		cli.StringFlag{
			Name:     "gateway.webhook-secret",
			Usage:    "Shared secret the gateway signs settlement webhooks with",
			EnvVar:   "RAILCORE_GATEWAY_WEBHOOK_SECRET",
			Required: true,
		},
		cli.StringFlag{
			Name:     "notifier.url",
			Usage:    "Base URL of the balance notifier",
			Required: true,
		},
		cli.StringFlag{
			Name:   "notifier.api-key",
			Usage:  "API key used to authenticate against the balance notifier",
			EnvVar: "RAILCORE_NOTIFIER_API_KEY",
		},
		cli.StringFlag{
			Name:     "notifier.callback-url",
			Usage:    "Publicly reachable URL the notifier POSTs balance changes to",
			Required: true,
		},
		cli.StringFlag{
			Name:     "notifier.webhook-secret",
			Usage:    "Shared secret the notifier signs balance webhooks with",
			EnvVar:   "RAILCORE_NOTIFIER_WEBHOOK_SECRET",
			Required: true,
		},
		cli.StringFlag{
			Name:     "rates.url",
			Usage:    "Base URL of the exchange rate source",
			Required: true,
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Ledger, flags.Db)
	return serve
}
