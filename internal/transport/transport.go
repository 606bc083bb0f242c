// Package transport delivers a measurement either straight to the companion
// fermenter controller over HTTP or to an MQTT broker.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultDirectAttempts = 3
	DefaultDirectBackoff  = 3 * time.Second
)

// sleep waits for d or until ctx is done.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type DirectConfig struct {
	URL      string
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

type BrokerConfig struct {
	Addr     string
	Port     int
	Username string
	Password string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

type Config struct {
	Direct DirectConfig
	Broker BrokerConfig
	// DeviceName prefixes a generated MQTT client id.
	DeviceName string
}

// Result describes one Deliver call. Delivery failures are reported here,
// never as a returned error: nothing the transport does may keep the device
// from going back to sleep.
type Result struct {
	Mode      Mode   `json:"mode"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Deliverer struct {
	log    *zap.SugaredLogger
	cfg    Config
	client *http.Client
	dial   dialFunc
}

func New(log *zap.SugaredLogger, cfg Config) *Deliverer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Direct.Attempts <= 0 {
		cfg.Direct.Attempts = DefaultDirectAttempts
	}
	if cfg.Direct.Backoff <= 0 {
		cfg.Direct.Backoff = DefaultDirectBackoff
	}
	if cfg.Direct.Timeout <= 0 {
		cfg.Direct.Timeout = 60 * time.Second
	}
	if cfg.Broker.Timeout <= 0 {
		cfg.Broker.Timeout = 10 * time.Second
	}
	cfg.Broker.Topic = strings.TrimSuffix(cfg.Broker.Topic, "/")
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = ClientID(cfg.DeviceName)
	}
	return &Deliverer{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Direct.Timeout},
		dial:   dialPaho,
	}
}

// ClientID builds an MQTT client id unique to this boot.
func ClientID(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "hydrometer"
	}
	return name + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (d *Deliverer) Deliver(ctx context.Context, p Payload, mode Mode) Result {
	switch mode {
	case ModeBroker:
		return d.deliverBroker(ctx, p)
	case ModeDirect, "":
		return d.deliverDirect(ctx, p)
	default:
		return Result{Mode: mode, Error: fmt.Sprintf("unknown transport mode %q", mode)}
	}
}

func (d *Deliverer) deliverDirect(ctx context.Context, p Payload) Result {
	res := Result{Mode: ModeDirect}
	body, err := p.DirectJSON()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for attempt := 1; attempt <= d.cfg.Direct.Attempts; attempt++ {
		res.Attempts = attempt
		status, err := d.post(ctx, body)
		res.Status = status
		if err == nil {
			res.Delivered = true
			res.Error = ""
			d.log.Infow("reading delivered", "url", d.cfg.Direct.URL, "attempt", attempt)
			return res
		}
		res.Error = err.Error()
		d.log.Warnw("delivery failed", "url", d.cfg.Direct.URL, "attempt", attempt, "error", err)
		if attempt == d.cfg.Direct.Attempts {
			break
		}
		if err := sleep(ctx, d.cfg.Direct.Backoff); err != nil {
			res.Error = err.Error()
			return res
		}
	}
	d.log.Errorw("giving up on delivery", "url", d.cfg.Direct.URL, "attempts", res.Attempts)
	return res
}

func (d *Deliverer) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Direct.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("companion returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (d *Deliverer) deliverBroker(ctx context.Context, p Payload) Result {
	res := Result{Mode: ModeBroker, Attempts: 1}
	body, err := p.BrokerJSON()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := d.publish(ctx, body); err != nil {
		res.Error = err.Error()
		d.log.Warnw("broker delivery failed, reading dropped", "broker", d.cfg.Broker.Addr, "topic", d.cfg.Broker.Topic, "error", err)
		return res
	}
	res.Delivered = true
	d.log.Infow("reading published", "broker", d.cfg.Broker.Addr, "topic", d.cfg.Broker.Topic)
	return res
}

// PublishTest sends a fixed message to the configured topic. Used by the
// control surface to check broker settings.
func (d *Deliverer) PublishTest(ctx context.Context) error {
	return d.publish(ctx, []byte(`{"test":"hello from hydrometer"}`))
}

func (d *Deliverer) publish(ctx context.Context, body []byte) error {
	if strings.TrimSpace(d.cfg.Broker.Addr) == "" || d.cfg.Broker.Topic == "" {
		return fmt.Errorf("transport: broker address and topic are required")
	}
	c, err := d.dial(ctx, d.cfg.Broker)
	if err != nil {
		return fmt.Errorf("transport: connect %s:%d: %w", d.cfg.Broker.Addr, d.cfg.Broker.Port, err)
	}
	defer c.Close()
	if err := c.Publish(ctx, d.cfg.Broker.Topic, body); err != nil {
		return fmt.Errorf("transport: publish %s: %w", d.cfg.Broker.Topic, err)
	}
	return nil
}
