// Package warden wires the client-side session manager from configuration.
//
// The session package holds the lifecycle logic; this package picks the
// credential store, auth server client, event sink and metrics backend
// described by a config.Config and hands back a ready Manager.
package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/remote"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/config"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/session"
)

// Revoker is implemented by auth server clients that can revoke a credential server-side
type Revoker interface {
	Revoke(ctx context.Context, credential core.Credential) error
}

type options struct {
	logger     logr.Logger
	registerer prometheus.Registerer
	transport  http.RoundTripper
	store      ports.CredentialStore
	remote     ports.RemoteAuth
	redis      redis.UniversalClient
}

// Option customizes New
type Option func(*options)

// WithLogger sets the logger of every component
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithRegisterer registers session metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTransport sets the base round tripper of the authenticated HTTP client
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithCredentialStore overrides the configured credential store
func WithCredentialStore(s ports.CredentialStore) Option {
	return func(o *options) { o.store = s }
}

// WithRemoteAuth overrides the configured auth server client
func WithRemoteAuth(r ports.RemoteAuth) Option {
	return func(o *options) { o.remote = r }
}

// WithRedis shares an existing Redis client instead of connecting to redis.url
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// Warden is a configured session manager together with the resources it owns
type Warden struct {
	*session.Manager

	cfg       *config.Config
	log       logr.Logger
	store     ports.CredentialStore
	remote    ports.RemoteAuth
	redis     redis.UniversalClient
	publisher message.Publisher
	pubSub    *gochannel.GoChannel
	metrics   *metrics.Collector
	closers   []func() error
}

// New builds a Warden from cfg. The manager is not started.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Warden, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	w := &Warden{cfg: cfg, log: log, redis: o.redis}

	ok := false
	defer func() {
		if !ok {
			_ = w.closeResources()
		}
	}()

	if err := w.setupStore(ctx, o.store); err != nil {
		return nil, err
	}

	w.remote = o.remote
	if w.remote == nil {
		httpAuth, err := remote.NewHTTPAuth(cfg.Client.ServerURL,
			remote.WithTimeout(cfg.Client.RequestTimeout),
			remote.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		w.remote = httpAuth
	}

	var sink ports.EventPublisher
	publisher, err := w.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		sink = events.NewWatermillPublisher(publisher, topics(cfg))
	}

	collector, err := metrics.NewCollector(o.registerer)
	if err != nil {
		return nil, err
	}
	w.metrics = collector

	manager, err := session.NewManager(session.Config{
		Store:          w.store,
		Remote:         w.remote,
		Publisher:      sink,
		Lifetimes:      tokenizer.NewClaimsReader(),
		Recorder:       collector,
		Logger:         log,
		Transport:      o.transport,
		PublicRoutes:   cfg.Client.PublicRoutes,
		Renewal:        cfg.SessionRenewal(),
		VerifyTimeout:  cfg.Client.VerifyTimeout,
		CleanupTimeout: cfg.Client.CleanupTimeout,
	})
	if err != nil {
		return nil, err
	}
	w.Manager = manager

	ok = true
	return w, nil
}

func (w *Warden) setupStore(ctx context.Context, override ports.CredentialStore) error {
	if override != nil {
		w.store = override
		return nil
	}

	switch w.cfg.Client.Store {
	case config.StoreMemory:
		s := store.NewMemoryStore()
		w.store = s
		w.closers = append(w.closers, s.Close)

	case config.StoreFile:
		s, err := store.NewFileStore(w.cfg.Client.CredentialFile, w.log)
		if err != nil {
			return err
		}
		w.store = s

	case config.StoreRedis:
		client, err := w.redisClient(ctx)
		if err != nil {
			return err
		}
		w.store = store.NewRedisStore(client, w.cfg.Client.Session)

	default:
		return fmt.Errorf("unsupported credential store %q", w.cfg.Client.Store)
	}
	return nil
}

func (w *Warden) setupPublisher(ctx context.Context) (message.Publisher, error) {
	logger := events.NewLogrAdapter(w.log)

	switch w.cfg.Events.Backend {
	case config.EventsNone, "":
		return nil, nil

	case config.EventsGoChannel:
		w.pubSub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		w.publisher = w.pubSub
		w.closers = append(w.closers, w.pubSub.Close)
		return w.pubSub, nil

	case config.EventsRedisStream:
		client, err := w.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis stream publisher: %w", err)
		}
		w.publisher = publisher
		w.closers = append(w.closers, publisher.Close)
		return publisher, nil

	default:
		return nil, fmt.Errorf("unsupported event backend %q", w.cfg.Events.Backend)
	}
}

// redisClient returns the shared Redis client, connecting on first use
func (w *Warden) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if w.redis != nil {
		return w.redis, nil
	}
	client, err := ConnectRedis(ctx, w.cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	w.redis = client
	w.closers = append(w.closers, client.Close)
	return client, nil
}

// Subscriber returns a subscriber for the configured event backend.
// It is nil when events are disabled.
func (w *Warden) Subscriber() (message.Subscriber, error) {
	switch w.cfg.Events.Backend {
	case config.EventsGoChannel:
		return w.pubSub, nil
	case config.EventsRedisStream:
		subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client: w.redis,
		}, events.NewLogrAdapter(w.log))
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis stream subscriber: %w", err)
		}
		w.closers = append(w.closers, subscriber.Close)
		return subscriber, nil
	default:
		return nil, nil
	}
}

// Topics returns the configured event topics
func (w *Warden) Topics() events.Topics {
	return topics(w.cfg)
}

// Metrics returns the session metrics collector
func (w *Warden) Metrics() *metrics.Collector {
	return w.metrics
}

// Store returns the credential store
func (w *Warden) Store() ports.CredentialStore {
	return w.store
}

// Logout revokes the stored credential at the auth server when possible,
// then ends the local session. A failed revocation does not prevent the local logout.
func (w *Warden) Logout(ctx context.Context) error {
	if revoker, ok := w.remote.(Revoker); ok {
		credential, err := w.store.Get(ctx)
		if err == nil && !credential.IsZero() {
			if err := revoker.Revoke(ctx, credential); err != nil {
				w.log.Error(err, "failed to revoke credential at auth server")
			}
		}
	}
	return w.Manager.Logout(ctx)
}

// Close stops the manager and releases owned resources.
// The stored credential is kept.
func (w *Warden) Close() error {
	var errs []error
	if w.Manager != nil {
		errs = append(errs, w.Manager.Close())
	}
	errs = append(errs, w.closeResources())
	return errors.Join(errs...)
}

func (w *Warden) closeResources() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

func topics(cfg *config.Config) events.Topics {
	return events.Topics{
		StateChanged: cfg.Events.StateTopic,
		Expired:      cfg.Events.ExpiredTopic,
		Logout:       cfg.Events.LogoutTopic,
	}.WithDefaults()
}

var _ io.Closer = (*Warden)(nil)
