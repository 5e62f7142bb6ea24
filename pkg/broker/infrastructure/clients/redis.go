package clients

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chronow/pkg/broker/config"
)

// ErrConnectFailed marks an unreachable hot or warm store. Fatal at
// initialisation, retryable at runtime.
var ErrConnectFailed = errors.New("store connection failed")

var (
	redisMu sync.Mutex
	rClient redis.UniversalClient
)

// EnsureRedis returns a process-wide redis client built from cfg if not
// yet initialized. Subsequent calls reuse the same client instance.
func EnsureRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	redisMu.Lock()
	defer redisMu.Unlock()
	if rClient != nil {
		return rClient, nil
	}
	cli, err := buildRedis(cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	rClient = cli
	return rClient, nil
}

func buildRedis(cfg *config.Config) (redis.UniversalClient, error) {
	tlsConfig, err := buildTLS(&cfg.Redis)
	if err != nil {
		return nil, err
	}

	if nodes := cfg.Redis.ClusterNodes; len(nodes) > 0 {
		opts := &redis.ClusterOptions{
			Addrs:     nodes,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			TLSConfig: tlsConfig,
		}
		if cfg.Redis.RetryDelay > 0 {
			opts.MinRetryBackoff = cfg.Redis.RetryDelay
			opts.MaxRetryBackoff = cfg.Redis.RetryDelay
		}
		return redis.NewClusterClient(opts), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", config.ErrConfigInvalid, err)
	}
	if cfg.Redis.Username != "" {
		opts.Username = cfg.Redis.Username
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	if cfg.Redis.RetryDelay > 0 {
		opts.MinRetryBackoff = cfg.Redis.RetryDelay
		opts.MaxRetryBackoff = cfg.Redis.RetryDelay
	}
	return redis.NewClient(opts), nil
}

func buildTLS(cfg *config.RedisConfig) (*tls.Config, error) {
	if !cfg.TLS && cfg.CACert == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cfg.CACert)) {
			return nil, fmt.Errorf("%w: CA certificate is not valid PEM", config.ErrConfigInvalid)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// GetRedis returns the initialized redis client or nil if not initialized.
func GetRedis() redis.UniversalClient { return rClient }

// CloseRedis closes and forgets the process-wide client.
func CloseRedis() error {
	redisMu.Lock()
	defer redisMu.Unlock()
	if rClient == nil {
		return nil
	}
	err := rClient.Close()
	rClient = nil
	return err
}
