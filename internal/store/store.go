package store

import "github.com/jackc/pgx/v5/pgxpool"

type Store struct {
	Webhooks *WebhookStore
	Events   *EventStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Webhooks: &WebhookStore{pool: pool},
		Events:   &EventStore{pool: pool},
	}
}
