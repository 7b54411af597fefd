package api

import (
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cascadepay/railcore/api/apideposits"
	"github.com/cascadepay/railcore/api/apierr"
	"github.com/cascadepay/railcore/api/apihooks"
	"github.com/cascadepay/railcore/api/apipayouts"
	"github.com/cascadepay/railcore/api/validation"
	"github.com/cascadepay/railcore/build"
	"github.com/cascadepay/railcore/cashouts"
	"github.com/cascadepay/railcore/db"
	"github.com/cascadepay/railcore/deposits"
	"github.com/cascadepay/railcore/models/payouts"
	"github.com/cascadepay/railcore/monitor"
	"github.com/cascadepay/railcore/solana"
	"github.com/cascadepay/railcore/sweep"
)

var log = build.Log

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// Network is the lightning network invoices are validated against
	Network *chaincfg.Params
	// Hooks configures webhook authentication
	Hooks apihooks.Config
	// CorsOrigins is the list of allowed CORS origins
	CorsOrigins []string
}

// Services are the wired-up components the API fronts
type Services struct {
	Deposits *deposits.Service
	Cashouts *cashouts.Service
	Monitor  *monitor.Monitor
	Sweeper  *sweep.Executor
	Ledger   solana.Client
}

// RestServer is the REST server for our app. It includes a Router, a db
// connection and the service layer.
type RestServer struct {
	Router   *gin.Engine
	db       *db.DB
	services Services
}

func getCorsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization", apihooks.SignatureHeader},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, []string{"/ping"}))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.CorsOrigins)))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates a new app
func NewApp(database *db.DB, services Services, config Config) (RestServer, error) {
	build.SetLogLevel(config.LogLevel)

	if config.Network == nil {
		return RestServer{}, errors.New("config.Network is not set")
	}

	g := getGinEngine(config)

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, fmt.Errorf(
			"gin validator engine (%s) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators := validation.RegisterAllValidators(engine, config.Network)
	log.Infof("Registered custom validators: %s", validators)

	r := RestServer{
		Router:   g,
		db:       database,
		services: services,
	}

	// Ping handler
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerInfoRoute()

	apideposits.RegisterRoutes(g, database, services.Deposits, services.Sweeper)
	apipayouts.RegisterRoutes(g, database, services.Cashouts)
	apihooks.RegisterRoutes(g, services.Monitor, config.Hooks)

	return r, nil
}

// registerInfoRoute registers the operator status route
func (r *RestServer) registerInfoRoute() {
	getInfo := func(c *gin.Context) {
		migrationStatus, err := r.db.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"masterAddress":           r.services.Ledger.MasterAddress(),
			"cashoutCeilingUsd":       payouts.CashoutCeilingUsd,
			"limitWindowHours":        payouts.LimitWindow.Hours(),
			"databaseMigrationStatus": migrationStatus,
		})
	}

	r.Router.GET("/info", getInfo)
}
