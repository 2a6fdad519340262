// emitctl is an operator CLI for the dispatch subsystem: emit a domain
// event by hand or bulk-retry a webhook's failed events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/docvault/webhook-dispatch/internal/config"
	"github.com/docvault/webhook-dispatch/internal/database"
	"github.com/docvault/webhook-dispatch/internal/dispatch"
	"github.com/docvault/webhook-dispatch/internal/model"
	"github.com/docvault/webhook-dispatch/internal/store"
)

func main() {
	var (
		emit      = flag.Bool("emit", false, "emit an event")
		retry     = flag.Bool("retry", false, "retry failed events for a webhook")
		eventType = flag.String("type", "", "event type, e.g. document.created")
		payload   = flag.String("payload", "{}", "JSON payload")
		userID    = flag.String("user", "", "emitting user id")
		orgID     = flag.String("org", "", "emitting organization id")
		webhookID = flag.String("webhook", "", "webhook id (for -retry)")
		threshold = flag.Int("threshold", 0, "minimum attempts for -retry")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	s := store.New(pool)

	switch {
	case *emit:
		if *eventType == "" || *userID == "" {
			fmt.Fprintln(os.Stderr, "usage: emitctl -emit -type <event-type> -user <user-id> [-org <org-id>] [-payload <json>]")
			os.Exit(2)
		}
		if !json.Valid([]byte(*payload)) {
			fmt.Fprintln(os.Stderr, "payload is not valid JSON")
			os.Exit(2)
		}
		var org *string
		if *orgID != "" {
			org = orgID
		}
		producer := dispatch.NewProducer(s.Webhooks, s.Events, cfg.MaxAttempts)
		ids, err := producer.Emit(ctx, model.EventType(*eventType), json.RawMessage(*payload), *userID, org)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("created %d event(s)\n", len(ids))
		for _, id := range ids {
			fmt.Println(id)
		}

	case *retry:
		id, err := uuid.Parse(*webhookID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: emitctl -retry -webhook <webhook-id> [-threshold <n>]")
			os.Exit(2)
		}
		n, err := s.Events.ResetFailed(ctx, id, *threshold)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("reset %d event(s) to pending\n", n)

	default:
		fmt.Fprintln(os.Stderr, "one of -emit or -retry is required")
		os.Exit(2)
	}
}
