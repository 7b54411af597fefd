// Package notifier registers deposit addresses with the external
// balance-change notifier, the push half of the confirmation monitor.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/cascadepay/railcore/build"
)

var log = build.Log

// Client registers addresses for balance-change webhooks
type Client interface {
	// Register subscribes the notifier to the given address. A failure
	// here is fatal for the enclosing deposit creation: an unregistered
	// address can silently swallow funds.
	Register(ctx context.Context, address string) error
}

// Config for the HTTP notifier client
type Config struct {
	BaseURL string
	APIKey  string
	// CallbackURL is where the notifier should POST balance changes
	CallbackURL string
	Timeout     time.Duration
}

// HTTPClient implements Client over the notifier's REST API
type HTTPClient struct {
	conf Config
	http *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClient creates a notifier client with a finite timeout
func NewHTTPClient(conf Config) *HTTPClient {
	if conf.Timeout == 0 {
		conf.Timeout = 15 * time.Second
	}
	return &HTTPClient{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}
}

// Register subscribes the notifier to the given address
func (c *HTTPClient) Register(ctx context.Context, address string) error {
	body := struct {
		Address     string `json:"address"`
		CallbackURL string `json:"callbackUrl"`
	}{
		Address:     address,
		CallbackURL: c.conf.CallbackURL,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.conf.BaseURL+"/subscriptions", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.conf.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.conf.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not reach notifier")
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("notifier returned status %d", res.StatusCode)
	}

	log.WithField("address", address).Debug("Registered address with notifier")
	return nil
}
