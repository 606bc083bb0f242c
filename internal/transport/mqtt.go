package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type brokerConn interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Close()
}

type dialFunc func(ctx context.Context, cfg BrokerConfig) (brokerConn, error)

type pahoConn struct {
	c       mqtt.Client
	timeout time.Duration
}

func dialPaho(ctx context.Context, cfg BrokerConfig) (brokerConn, error) {
	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Addr, port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c := mqtt.NewClient(opts)
	if err := wait(ctx, c.Connect(), cfg.Timeout); err != nil {
		return nil, err
	}
	return &pahoConn{c: c, timeout: cfg.Timeout}, nil
}

func (p *pahoConn) Publish(ctx context.Context, topic string, body []byte) error {
	return wait(ctx, p.c.Publish(topic, 1, false, body), p.timeout)
}

func (p *pahoConn) Close() {
	p.c.Disconnect(250)
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-t.C:
		return errors.New("mqtt: timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
