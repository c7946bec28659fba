package main

import (
	"context"
	"fmt"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/config"
	"github.com/ewhamarket/chatclient/internal/store"
	"github.com/ewhamarket/chatclient/internal/store/firebasestore"
	"github.com/ewhamarket/chatclient/internal/store/memstore"
	"github.com/ewhamarket/chatclient/internal/store/natskv"
	"github.com/ewhamarket/chatclient/internal/store/pgstore"
	"github.com/ewhamarket/chatclient/internal/store/redisstore"
	"github.com/ewhamarket/chatclient/internal/store/wsstore"
)

func newAPIClient(c *config.Config) (*api.Client, error) {
	return api.NewClient(api.Options{
		BaseURL:    c.APIURL,
		Session:    c.SessionCookie,
		CookieName: c.CookieName,
		Timeout:    c.RequestTimeout,
	})
}

func noClose() error { return nil }

// openStore connects the configured realtime store. The returned func
// releases it.
func openStore(ctx context.Context, c *config.Config) (store.Store, func() error, error) {
	switch c.Store {
	case config.StoreRedis:
		s, err := redisstore.New(ctx, redisstore.Options{
			Addr:                 c.Redis.Addr,
			Password:             c.Redis.Password,
			DB:                   c.Redis.DB,
			KeyPrefix:            c.Redis.KeyPrefix,
			EnableKeyspaceEvents: c.Redis.KeyspaceEvents,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreNATS:
		nc := natskv.DefaultConfig()
		nc.URL = c.NATS.URL
		nc.Bucket = c.NATS.Bucket
		s, err := natskv.Connect(nc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StorePostgres:
		s, err := pgstore.Open(ctx, c.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreFirebase:
		s, err := firebasestore.New(ctx, firebasestore.Options{
			DatabaseURL:     c.Firebase.DatabaseURL,
			CredentialsFile: c.Firebase.CredentialsFile,
			CredentialsJSON: []byte(c.Firebase.CredentialsJSON),
			PollInterval:    c.Firebase.PollInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil

	case config.StoreGateway:
		s, err := wsstore.Dial(ctx, c.Gateway.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreMemory:
		return memstore.New(), noClose, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", c.Store)
}
