// Command setup-pubsub-local creates the quota event topics on the Pub/Sub emulator.
package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/logger"
)

func main() {
	reset := flag.Bool("reset", false, "delete every topic and subscription first")
	flag.Parse()

	// Load environment variables early for local development
	if err := godotenv.Load(); err != nil {
		logger.New().Info().Msg("No .env file found, relying on system environment variables.")
	}

	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf("Failed to load config: %v", err)
	}

	projectID := cfg.GCPProjectIDLocal
	if projectID == "" {
		log.Fatal().Msg("GCP_PROJECT_ID_LOCAL is not set in the environment.")
	}
	if cfg.PubSubEmulatorHost == "" {
		log.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set for local environment.")
	}
	topicID := cfg.PubSubQuotaTopic
	if topicID == "" {
		topicID = "quota-transactions"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID,
		option.WithEndpoint(cfg.PubSubEmulatorHost),
		option.WithoutAuthentication(),
	)
	if err != nil {
		log.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close pubsub client")
		}
	}()

	if *reset {
		resetLocalEmulator(ctx, client, log)
	}
	if err := ensureQuotaTopic(ctx, client, log, topicID); err != nil {
		log.Fatal().Err(err).Str("topic", topicID).Msg("Pub/Sub setup failed")
	}
	log.Info().Str("topic", topicID).Msg("Pub/Sub setup for local environment complete.")
}

// resetLocalEmulator deletes all topics and subscriptions. Emulator only.
func resetLocalEmulator(ctx context.Context, client *pubsub.Client, log zerolog.Logger) {
	subs := client.Subscriptions(ctx)
	for {
		sub, err := subs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			log.Fatal().Msgf("Failed to list subscriptions: %v", err)
		}
		if err := sub.Delete(ctx); err != nil {
			log.Warn().Err(err).Str("subscription", sub.ID()).Msg("Failed to delete subscription")
		}
	}

	topics := client.Topics(ctx)
	for {
		topic, err := topics.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			log.Fatal().Msgf("Failed to list topics: %v", err)
		}
		if err := topic.Delete(ctx); err != nil {
			log.Warn().Err(err).Str("topic", topic.ID()).Msg("Failed to delete topic")
		}
	}
	log.Info().Msg("Emulator reset complete")
}

// ensureQuotaTopic creates the event topic, its dead-letter topic and a pull
// subscription for downstream consumers.
func ensureQuotaTopic(ctx context.Context, client *pubsub.Client, log zerolog.Logger, topicID string) error {
	retention := 7 * 24 * time.Hour
	dlq, err := createTopicIfNotExists(ctx, client, log, topicID+"-dlq", retention)
	if err != nil {
		return err
	}
	topic, err := createTopicIfNotExists(ctx, client, log, topicID, retention)
	if err != nil {
		return err
	}

	subID := topicID + "-sub"
	sub := client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		log.Info().Str("subscription", subID).Msg("Subscription already exists")
		return nil
	}
	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: 10 * time.Second,
			MaximumBackoff: 600 * time.Second,
		},
		DeadLetterPolicy: &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     dlq.String(),
			MaxDeliveryAttempts: 5,
		},
	})
	if err != nil {
		return err
	}
	log.Info().Str("subscription", subID).Msg("Created subscription")
	return nil
}

func createTopicIfNotExists(ctx context.Context, client *pubsub.Client, log zerolog.Logger, topicID string, retention time.Duration) (*pubsub.Topic, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Info().Str("topic", topicID).Msg("Topic already exists")
		return topic, nil
	}
	log.Info().Str("topic", topicID).Dur("retention", retention).Msg("Creating topic")
	return client.CreateTopicWithConfig(ctx, topicID, &pubsub.TopicConfig{RetentionDuration: retention})
}
