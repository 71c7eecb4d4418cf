// commentwatch connects to the PawMap comment broker, subscribes to one
// thread and tails its live activity, mirroring what the web client's
// comment view does.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pawmap/comment-sync-go/internal/comments"
	"github.com/pawmap/comment-sync-go/internal/config"
	"github.com/pawmap/comment-sync-go/internal/observability"
	"github.com/pawmap/comment-sync-go/internal/protocol"
	"github.com/pawmap/comment-sync-go/internal/rest"
	"github.com/pawmap/comment-sync-go/internal/socket"
)

func main() {
	targetType := flag.String("target-type", "location", "target type: location or event")
	targetID := flag.String("target-id", "", "target id to subscribe to")
	userID := flag.String("user-id", "", "authenticated user id, empty for read-only")
	flag.Parse()

	if *targetID == "" {
		log.Fatal("target-id is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Get("/metrics", observability.MetricsHandler())
		go func() {
			if err := app.Listen(cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer func() {
			_ = app.Shutdown()
		}()
	}

	client := socket.New(socket.Config{
		URL:            cfg.SocketURL,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)
	client.Start(ctx)
	defer client.Close()

	target := protocol.Target{Type: protocol.TargetType(*targetType), ID: *targetID}
	validate := validator.New(validator.WithRequiredStructEnabled())

	identity := func() (comments.Identity, bool) {
		if *userID == "" {
			return comments.Identity{}, false
		}
		return comments.Identity{ID: *userID}, true
	}

	var session *comments.Session
	session, err = comments.Open(client, target, validate, logger,
		comments.WithIdentity(identity),
		comments.WithStoreOptions(
			comments.WithTypingExpiry(cfg.TypingExpiry),
			comments.WithOnChange(func(event protocol.Event) {
				if session == nil {
					return
				}
				logEvent(logger, session.Comments(), event)
			}),
		),
		comments.WithGatewayOptions(
			comments.WithAckTimeout(cfg.AckTimeout),
			comments.WithSafetyTimeout(cfg.SafetyTimeout),
		),
	)
	if err != nil {
		log.Fatalf("failed to open comment session: %v", err)
	}
	defer session.Close()

	if cfg.RestBaseURL != "" {
		restClient, err := rest.New(cfg.RestBaseURL, nil, logger)
		if err != nil {
			log.Fatalf("failed to create rest client: %v", err)
		}
		initial, err := restClient.ListComments(ctx, target)
		if err != nil {
			logger.Warn().Err(err).Msg("initial hydration failed, continuing with live events only")
		} else {
			session.Seed(initial)
		}
	}

	logger.Info().
		Str("target_type", *targetType).
		Str("target_id", *targetID).
		Msg("watching comment thread")

	<-ctx.Done()
	log.Println("stopped")
}

func logEvent(logger zerolog.Logger, snapshot []protocol.Comment, event protocol.Event) {
	entry := logger.Info().Int("comments", len(snapshot))
	switch ev := event.(type) {
	case protocol.NewEvent:
		entry.Str("id", ev.Comment.ID).Str("user_id", ev.Comment.UserID).Msg("comment added")
	case protocol.UpdatedEvent:
		entry.Str("id", ev.Patch.ID).Msg("comment updated")
	case protocol.DeletedEvent:
		entry.Str("id", ev.ID).Msg("comment deleted")
	case protocol.TypingEvent:
		entry.Str("user_id", ev.UserID).Msg("user typing")
	}
}
