/**
 * @description
 * This is the main entry point for the refund-service. It initializes configuration,
 * the database pool, the optional Redis limiter and sweep lock, the payment providers,
 * the notification transport, the outbox dispatcher, the campaign event consumers,
 * and the HTTP server, then wires them into the refund workflow.
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limiting and the sweep lock.
 * - github.com/prometheus/client_golang: workflow metrics.
 * - internal/api, internal/app, internal/config, internal/store: the service itself.
 * - pkg/paymentclient, pkg/paypalclient, pkg/rabbitmq, pkg/sqsnotify: external adapters.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clearcause/refund-service/internal/api"
	"github.com/clearcause/refund-service/internal/app"
	"github.com/clearcause/refund-service/internal/config"
	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/clearcause/refund-service/pkg/paymentclient"
	"github.com/clearcause/refund-service/pkg/paypalclient"
	"github.com/clearcause/refund-service/pkg/rabbitmq"
	"github.com/clearcause/refund-service/pkg/sqsnotify"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; relying on environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"auth jwt secret missing; donor and admin routes will reject every request\" env=AUTH_JWT_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key missing; internal routes disabled\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting refund-service\" port=%s", cfg.ServerPort)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)

	provider, err := buildRefundProvider(cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment provider init failed\" err=%v", err)
	}

	opts := []app.Option{
		app.WithEventsExchange(cfg.EventsExchange),
		app.WithMetrics(app.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		limiter := app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		opts = append(opts, app.WithRateLimiter(limiter, cfg.DecisionSubmitRateLimit), app.WithSweepLock(limiter))
	}

	refundService := app.NewService(repository, provider, cfg.Policy(), opts...)

	if dial := buildPublisherDialer(cfg); dial == nil {
		log.Println("level=warn component=bootstrap msg=\"notification transport disabled; outbox events stay queued\" env=NOTIFICATION_TRANSPORT")
	} else {
		dispatcher := app.NewOutboxDispatcher(repository, dial)
		go dispatcher.Run(ctx)
		log.Printf("level=info component=bootstrap msg=\"outbox dispatcher started\" transport=%s", cfg.NotificationTransport)
	}

	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; campaign event consumers disabled\" env=RABBITMQ_URL")
	} else {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer consumer.Close()

		campaignConsumer := app.NewCampaignEventConsumer(refundService)
		bindings := map[string]rabbitmq.Handler{
			domain.RoutingKeyMilestoneProofRejected: campaignConsumer.HandleMilestoneRejected,
			domain.RoutingKeyDonationCompleted:      campaignConsumer.HandleDonationCompleted,
		}
		if err := consumer.ConsumeWithBindings(ctx, cfg.MilestoneEventsExchange, cfg.RefundEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"campaign event consumer start failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"campaign event consumer started\" exchange=%s queue=%s", cfg.MilestoneEventsExchange, cfg.RefundEventQueue)
	}

	handlers := api.NewRefundHandlers(refundService)
	router := api.RefundRoutes(handlers, api.RouterConfig{
		AuthJWTSecret:  cfg.AuthJWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	<-ctx.Done()
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// buildRefundProvider selects the default refund rail and routes PayPal-funded
// donations to PayPal whenever PayPal credentials are configured.
func buildRefundProvider(cfg config.Config) (app.RefundProvider, error) {
	var paypal app.RefundProvider
	if strings.TrimSpace(cfg.PayPalClientID) != "" && strings.TrimSpace(cfg.PayPalClientSecret) != "" {
		client, err := paypalclient.NewClient(cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayPalEnvironment)
		if err != nil {
			return nil, fmt.Errorf("paypal client: %w", err)
		}
		paypal = app.NewPayPalRefundProvider(client)
		log.Printf("level=info component=bootstrap msg=\"paypal refunds enabled\" environment=%s", cfg.PayPalEnvironment)
	}

	var gateway app.RefundProvider
	if strings.TrimSpace(cfg.PaymentGatewayBaseURL) != "" {
		gateway = app.NewGatewayRefundProvider(paymentclient.NewClient(cfg.PaymentGatewayBaseURL, cfg.PaymentGatewayAPIKey))
	}

	switch cfg.PaymentProvider {
	case "paypal":
		if paypal == nil {
			return nil, fmt.Errorf("PAYMENT_PROVIDER=paypal requires PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET")
		}
		return paypal, nil
	case "", "gateway":
		if gateway == nil {
			return nil, fmt.Errorf("PAYMENT_PROVIDER=gateway requires PAYMENT_GATEWAY_BASE_URL")
		}
		if paypal == nil {
			return gateway, nil
		}
		return app.NewRoutedRefundProvider(gateway, map[string]app.RefundProvider{"paypal": paypal}), nil
	default:
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}
}

// buildPublisherDialer returns how the outbox dispatcher reaches the broker,
// or nil when notification transport is disabled. Dial failures surface on
// each flush so queued events are retried once the broker is reachable.
func buildPublisherDialer(cfg config.Config) app.PublisherDialer {
	switch cfg.NotificationTransport {
	case "none":
		return nil
	case "sqs":
		return func(ctx context.Context) (rabbitmq.Publisher, error) {
			publisher, err := sqsnotify.NewPublisher(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
			if err != nil {
				return nil, err
			}
			return publisher, nil
		}
	default:
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			return nil
		}
		return func(ctx context.Context) (rabbitmq.Publisher, error) {
			producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
			if err != nil {
				return nil, err
			}
			log.Println("level=info component=outbox msg=\"rabbitmq producer connected\"")
			return producer, nil
		}
	}
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; submission rate limiting and sweep lock disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
