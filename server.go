package warden

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/config"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/service"
	transport "github.com/layer-3/warden/transport/http"
)

// shutdownTimeout bounds the graceful shutdown of the reference server
const shutdownTimeout = 10 * time.Second

// Server is the reference auth server
type Server struct {
	cfg     *config.Config
	log     logr.Logger
	service *service.AuthService
	router  *gin.Engine
	closers []func() error
}

// NewServer builds the reference auth server from cfg
func NewServer(ctx context.Context, cfg *config.Config, log logr.Logger) (*Server, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Server{cfg: cfg, log: log.WithName("server")}

	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	signKey, err := loadSigningKey(cfg.Server.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	if cfg.Server.SigningKeyFile == "" {
		s.log.Info("no signing key configured, tokens will not survive a restart")
	}

	var client *redis.Client
	redisClient := func() (*redis.Client, error) {
		if client != nil {
			return client, nil
		}
		c, err := ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		client = c
		s.closers = append(s.closers, c.Close)
		return c, nil
	}

	var revocations ports.RevocationStore
	switch cfg.Server.Revocations {
	case config.StoreRedis:
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		revocations = store.NewRedisRevocations(c)
	default:
		revocations = store.NewMemoryRevocations()
	}

	var logouts ports.LogoutPublisher
	logger := events.NewLogrAdapter(log)
	switch cfg.Events.Backend {
	case config.EventsGoChannel:
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)
		s.closers = append(s.closers, pubSub.Close)
		logouts = events.NewWatermillPublisher(pubSub, topics(cfg))
	case config.EventsRedisStream:
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: c}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis stream publisher: %w", err)
		}
		s.closers = append(s.closers, publisher.Close)
		logouts = events.NewWatermillPublisher(publisher, topics(cfg))
	}

	s.service = service.NewAuthService(tokenizer.NewJWTTokenizer(signKey, cfg.Server.Issuer), revocations, logouts, log)
	s.service.SetAccessTTL(cfg.Server.AccessTTL)
	for identifier, secret := range cfg.Server.Accounts {
		if err := s.service.AddAccount(identifier, secret); err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", identifier, err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = transport.SetupRouter(s.service, log)

	ok = true
	return s, nil
}

// Service returns the authentication service
func (s *Server) Service() *service.AuthService {
	return s.service
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("auth server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Close releases the resources owned by the server
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// loadSigningKey reads a PEM encoded ECDSA key, or generates one when path is empty
func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return key, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", pkcs8Err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key must be an ECDSA P-256 key")
		}
		key = ecKey
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signing key must be an ECDSA P-256 key")
	}
	return key, nil
}
