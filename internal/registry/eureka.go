// Package registry keeps the service registered in a Eureka server for as long as it runs.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/career-advice/internal/metrics"
	"github.com/spigell/career-advice/internal/utils"
)

const (
	contentType    = "application/json"
	dataCenterName = "MyOwn"
	dataCenterType = "com.netflix.appinfo.InstanceInfo$DefaultDataCenterInfo"
)

// Defaults applied by New to non-positive timings.
const (
	DefaultRenewalInterval = 30 * time.Second
	DefaultLeaseDuration   = 90 * time.Second
	DefaultRetryBackoff    = time.Second
	DefaultMaxBackoff      = time.Minute
)

// ErrNotRegistered is returned by Heartbeat when the server no longer knows the instance.
var ErrNotRegistered = errors.New("instance is not registered")

type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	App             string        `mapstructure:"app"`
	Host            string        `mapstructure:"host"`
	IPAddr          string        `mapstructure:"ip-addr"`
	Port            int           `mapstructure:"port"`
	InstanceID      string        `mapstructure:"instance-id"`
	RenewalInterval time.Duration `mapstructure:"renewal-interval"`
	LeaseDuration   time.Duration `mapstructure:"lease-duration"`
	RetryBackoff    time.Duration `mapstructure:"retry-backoff"`
	MaxBackoff      time.Duration `mapstructure:"max-backoff"`
}

type Client struct {
	cfg        Config
	logger     *zap.Logger
	HTTPClient *http.Client
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = fmt.Sprintf("%s:%s:%d", cfg.Host, strings.ToLower(cfg.App), cfg.Port)
	}
	if cfg.IPAddr == "" {
		cfg.IPAddr = cfg.Host
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = DefaultRenewalInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.RetryBackoff)
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("registry", cfg.URL), zap.String("instance", cfg.InstanceID)),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type instanceRequest struct {
	Instance instanceInfo `json:"instance"`
}

type instanceInfo struct {
	InstanceID       string         `json:"instanceId"`
	HostName         string         `json:"hostName"`
	App              string         `json:"app"`
	IPAddr           string         `json:"ipAddr"`
	VIPAddress       string         `json:"vipAddress"`
	SecureVIPAddress string         `json:"secureVipAddress"`
	Status           string         `json:"status"`
	Port             port           `json:"port"`
	SecurePort       port           `json:"securePort"`
	HomePageURL      string         `json:"homePageUrl"`
	StatusPageURL    string         `json:"statusPageUrl"`
	HealthCheckURL   string         `json:"healthCheckUrl"`
	DataCenterInfo   dataCenterInfo `json:"dataCenterInfo"`
	LeaseInfo        leaseInfo      `json:"leaseInfo"`
}

type port struct {
	Value   int    `json:"$"`
	Enabled string `json:"@enabled"`
}

type dataCenterInfo struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

type leaseInfo struct {
	RenewalIntervalInSecs int `json:"renewalIntervalInSecs"`
	DurationInSecs        int `json:"durationInSecs"`
}

func (c *Client) instance() instanceInfo {
	app := strings.ToUpper(c.cfg.App)
	home := "http://" + c.cfg.Host + ":" + strconv.Itoa(c.cfg.Port)

	return instanceInfo{
		InstanceID:       c.cfg.InstanceID,
		HostName:         c.cfg.Host,
		App:              app,
		IPAddr:           c.cfg.IPAddr,
		VIPAddress:       strings.ToLower(c.cfg.App),
		SecureVIPAddress: strings.ToLower(c.cfg.App),
		Status:           "UP",
		Port:             port{Value: c.cfg.Port, Enabled: "true"},
		SecurePort:       port{Value: 443, Enabled: "false"},
		HomePageURL:      home + "/",
		StatusPageURL:    home + "/health",
		HealthCheckURL:   home + "/health",
		DataCenterInfo:   dataCenterInfo{Class: dataCenterType, Name: dataCenterName},
		LeaseInfo: leaseInfo{
			RenewalIntervalInSecs: int(c.cfg.RenewalInterval / time.Second),
			DurationInSecs:        int(c.cfg.LeaseDuration / time.Second),
		},
	}
}

func (c *Client) appURL() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/apps/" + strings.ToUpper(c.cfg.App)
}

func (c *Client) instanceURL() string {
	return c.appURL() + "/" + c.cfg.InstanceID
}

// Register announces the instance as UP.
func (c *Client) Register(ctx context.Context) error {
	body, err := json.Marshal(instanceRequest{Instance: c.instance()})
	if err != nil {
		return err
	}

	resp, err := c.request(ctx, http.MethodPost, c.appURL(), body)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("register: bad status: %s", resp.Status)
	}
}

// Heartbeat renews the lease of the instance.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.request(ctx, http.MethodPut, c.instanceURL(), nil)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotRegistered
	default:
		return fmt.Errorf("heartbeat: bad status: %s", resp.Status)
	}
}

// Deregister removes the instance from the registry.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.request(ctx, http.MethodDelete, c.instanceURL(), nil)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("deregister: bad status: %s", resp.Status)
	}
}

// Run registers the instance, renews its lease until ctx is done and then deregisters it.
// Failures are logged and retried so the caller can run it in the background.
func (c *Client) Run(ctx context.Context) {
	if !c.registerWithRetry(ctx) {
		return
	}
	defer c.deregister(ctx)

	for {
		if err := utils.WaitFor(ctx, c.cfg.RenewalInterval); err != nil {
			return
		}

		err := c.Heartbeat(ctx)
		switch {
		case err == nil:
			metrics.RegistryHeartbeats.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrNotRegistered):
			metrics.RegistryHeartbeats.WithLabelValues("not_registered").Inc()
			c.logger.Warn("registry forgot the instance, registering again")
			if !c.registerWithRetry(ctx) {
				return
			}
		default:
			if ctx.Err() != nil {
				return
			}
			metrics.RegistryHeartbeats.WithLabelValues("error").Inc()
			c.logger.Warn("heartbeat failed", zap.Error(err))
		}
	}
}

// registerWithRetry returns false only when ctx is done before a registration succeeds.
func (c *Client) registerWithRetry(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		err := c.Register(ctx)
		if err == nil {
			c.logger.Info("registered in service registry")
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		delay := utils.Backoff(attempt, c.cfg.RetryBackoff, c.cfg.MaxBackoff)
		c.logger.Warn("registration failed", zap.Error(err), zap.Int("attempt", attempt+1), zap.Duration("retry_in", delay))
		if err := utils.WaitFor(ctx, delay); err != nil {
			return false
		}
	}
}

func (c *Client) deregister(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.HTTPClient.Timeout)
	defer cancel()

	if err := c.Deregister(dctx); err != nil {
		c.logger.Warn("deregistration failed", zap.Error(err))
		return
	}
	c.logger.Info("deregistered from service registry")
}

func (c *Client) request(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	c.logger.Debug("make request", zap.String("method", method), zap.String("url", url))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return resp, nil
}
