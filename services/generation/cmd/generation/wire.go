package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"logogen/internal/ratelimit"
	"logogen/internal/servicetoken"
	"logogen/internal/util"
	"logogen/pkg/events"
	"logogen/pkg/notify"
	"logogen/pkg/queue"
	"logogen/pkg/storage"
	"logogen/pkg/store"
	"logogen/services/generation/internal/app"
	"logogen/services/generation/internal/config"
	"logogen/services/generation/internal/server"
)

type dependencies struct {
	App            *app.App
	Scheduler      queue.Scheduler
	Inspector      server.QueueInspector
	Limiter        *ratelimit.FixedWindowLimiter
	Admin          *servicetoken.Verifier
	TrustedProxies *util.TrustedProxies

	feed   *store.Feed
	events events.Publisher
	timer  *queue.TimerQueue
	closer []func() error
}

// Drain waits for in-flight in-process completions.
func (d *dependencies) Drain() {
	if d.timer != nil {
		d.timer.Wait()
	}
}

func (d *dependencies) Close() {
	for i := len(d.closer) - 1; i >= 0; i-- {
		if err := d.closer[i](); err != nil {
			slog.Warn("close dependency failed", "err", err)
		}
	}
}

func wire(ctx context.Context, cfg config.FileConfig) (*dependencies, error) {
	d := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	recordTTL := time.Duration(cfg.RecordTTLHours) * time.Hour
	var dataStore store.Store
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		dataStore = s
	case config.BackendPostgres:
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = s
	case config.BackendRedis:
		s, err := store.NewRedisStore(store.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
			TTL:      recordTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		dataStore = s
	default:
		dataStore = store.NewMemoryStore()
	}

	var broker notify.Broker
	if cfg.NotifyBackend == config.BackendRedis {
		b, err := notify.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		if err != nil {
			_ = dataStore.Close()
			return nil, fmt.Errorf("init redis broker: %w", err)
		}
		broker = b
	} else {
		broker = notify.NewLocalBroker()
	}
	d.feed = store.NewFeed(dataStore, broker)
	d.closer = append(d.closer, d.feed.Close)

	if cfg.QueueBackend == config.BackendRedis {
		q, err := queue.NewRedisDelayQueue(queue.RedisDelayQueueConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			Prefix:       cfg.RedisPrefix + ":completion",
			MaxRetries:   cfg.QueueMaxRetries,
			RetryDelay:   time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
			LeaseTimeout: time.Duration(cfg.QueueLeaseSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis queue: %w", err)
		}
		d.Scheduler, d.Inspector = q, q
		d.closer = append(d.closer, q.Close)
	} else {
		d.timer = queue.NewTimerQueue()
		d.Scheduler = d.timer
	}

	var images storage.ImagePublisher = storage.StaticImage{URL: cfg.MockImageURL}
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		baseURL := cfg.PublicBaseURL
		if baseURL == "" {
			baseURL = "http://localhost:" + cfg.Port
			slog.Warn("publicBaseURL not set; image links point at localhost", "base_url", baseURL)
		}
		images = storage.NewObjectImagePublisher(objects, time.Duration(cfg.MinioURLExpiryHours)*time.Hour, baseURL)
	}

	d.events = events.Nop{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		d.events = p
		d.closer = append(d.closer, p.Close)
	}

	if cfg.RateLimitPerMinute > 0 {
		l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword,
			cfg.RedisPrefix+":ratelimit", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		d.Limiter = l
		d.closer = append(d.closer, l.Close)
	}

	trusted, err := util.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	d.TrustedProxies = trusted

	if cfg.AdminPublicKeyPath != "" {
		v, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
			PublicKeyPath:  cfg.AdminPublicKeyPath,
			AllowedIssuers: cfg.AdminIssuers,
		})
		if err != nil {
			return nil, fmt.Errorf("init admin verifier: %w", err)
		}
		d.Admin = v
	} else if d.Inspector != nil {
		slog.Warn("queue admin routes are unauthenticated; set ADMIN_JWT_PUBLIC_KEY_PATH")
	}

	var faults app.CompletionFaults
	if cfg.FailureRate > 0 {
		faults = app.FailureRate(cfg.FailureRate)
	}
	a, err := app.New(app.Config{
		Feed:      d.feed,
		Scheduler: d.Scheduler,
		Images:    images,
		Events:    d.events,
		Faults:    faults,
		MinDelay:  time.Duration(cfg.CompletionMinDelaySeconds) * time.Second,
		MaxDelay:  time.Duration(cfg.CompletionMaxDelaySeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	d.App = a
	if d.timer != nil {
		// Timers die with the process; re-arm whatever a durable store still holds.
		if _, err := a.ResumePending(ctx); err != nil {
			return nil, fmt.Errorf("resume pending generations: %w", err)
		}
	}
	ok = true
	return d, nil
}
