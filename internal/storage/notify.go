package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelCacheInvalidation carries "<kind>:<id>" payloads telling every
// instance to drop a cached partner key or membership.
const ChannelCacheInvalidation = "magsasa_cache_invalidation"

var errNoNotify = errors.New("storage: notify connection not configured")

// Listen subscribes the notify connection to channel, reconnecting first if
// the previous connection was lost.
//
// Listen and WaitForNotification hold the notify connection for their whole
// call and must be driven from a single goroutine.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if !db.HasNotify() {
		return errNoNotify
	}
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	if db.notifyConn == nil || db.notifyConn.IsClosed() {
		conn, err := connectNotify(ctx, db.notifyDSN)
		if err != nil {
			return err
		}
		db.notifyConn = conn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. After a connection error the caller must Listen again.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return "", "", errNoNotify
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() == nil {
			// Drop the broken connection; Listen dials a fresh one.
			_ = db.notifyConn.Close(context.Background())
			db.notifyConn = nil
		}
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the pool, so it works on
// instances without a notify connection too.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
