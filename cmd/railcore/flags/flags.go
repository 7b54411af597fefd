// Package flags provides functionality for managing flags for railcore
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/solana"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:  "network",
		Usage: "the lightning network invoices belong to e.g. mainnet, testnet, regtest",
		Value: "regtest",
	},
}, logging)

// ReadDbConf reads the appropriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// how flags work in urfave/cli can be a bit confusing. flags belongs to a
	// context, and I haven't been able to find a natural way of scoping flags
	// correctly. so one issue that kept popping up was that DB flags were passed
	// in, but weren't picked up, because we did c.String instead of c.GlobalString.
	// however, doing c.GlobalString (or Int, or whatever) everywhere doesn't work
	// either. therefore, we recurse here until we find a context where the flags
	// are defined
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadNetwork reads the network flag, erroring if an invalid value is passed
func ReadNetwork(c *cli.Context) (chaincfg.Params, error) {
	var network chaincfg.Params
	networkString := c.GlobalString("network")
	switch networkString {
	case "mainnet":
		network = chaincfg.MainNetParams
	case "testnet", "testnet3":
		network = chaincfg.TestNet3Params
	case "regtest", "":
		network = chaincfg.RegressionNetParams
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network: %s. Valid: mainnet, testnet, regtest", networkString)
	}
	return network, nil
}

// ReadLedgerConf reads the appropriate flags for constructing a ledger RPC
// configuration
func ReadLedgerConf(c *cli.Context) (solana.Config, error) {
	masterKey, err := solanago.PrivateKeyFromBase58(c.String("ledger.master-key"))
	if err != nil {
		return solana.Config{}, fmt.Errorf("could not parse master wallet key: %w", err)
	}

	return solana.Config{
		RPCURL:          c.String("ledger.rpcurl"),
		MasterKey:       masterKey,
		ReserveLamports: c.Uint64("ledger.reserve"),
	}, nil
}

// Ledger is a list of flags that apply to functionality that needs the
// ledger-token rail
var Ledger = []cli.Flag{
	cli.StringFlag{
		Name:  "ledger.rpcurl",
		Usage: "URL of the ledger RPC node",
		Value: "http://localhost:8899",
	},
	cli.StringFlag{
		Name:     "ledger.master-key",
		Usage:    "Base58 encoded private key of the master wallet",
		EnvVar:   "RAILCORE_LEDGER_MASTER_KEY",
		Required: true,
	},
	cli.Uint64Flag{
		Name:  "ledger.reserve",
		Usage: "Base units each fresh deposit address is funded with, to cover its own sweep",
		Value: solana.DefaultReserveLamports,
	},
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "railcore",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path"`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the API",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level {trace, debug, info, warn, error, fatal, panic}",
	},
}
