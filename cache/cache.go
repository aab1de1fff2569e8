// Package cache provides durable storage for the last-known brokerage
// credential. A cache pairs a record store (file, Postgres, or object
// storage) with a codec (plain JSON or encrypted), both selected at
// construction time.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/marketwire/brokerauth/credential"
)

// ErrCorruptCache marks a cached record that exists but is structurally
// invalid or fails decryption. The record is never auto-deleted; the caller
// decides whether to purge or re-authenticate.
var ErrCorruptCache = errors.New("corrupt credential cache")

// record is the durable cache layout. Field names follow the upstream login
// cache so records remain recognizable across client implementations.
type record struct {
	Login        credential.Credential `json:"login"`
	Expiry       int64                 `json:"expiry"`
	ExpirationDT string                `json:"expiration_dt"`
}

// Cache stores one credential record per account.
type Cache struct {
	store RecordStore
	codec Codec
	now   func() time.Time
}

// New creates a Cache over store using codec.
func New(store RecordStore, codec Codec) *Cache {
	return &Cache{store: store, codec: codec, now: time.Now}
}

// Load reads the durable record and returns the cached credential. A missing
// or expired record is logically absent and returns (nil, nil). A record that
// fails structural validation or decryption returns ErrCorruptCache.
func (c *Cache) Load(ctx context.Context, secret string) (*credential.Credential, error) {
	data, err := c.store.Read(ctx)
	if errors.Is(err, ErrNoRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read record: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	plaintext, err := c.codec.Decode(data, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCache, err)
	}

	parsed := gjson.ParseBytes(plaintext)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: record is not an object", ErrCorruptCache)
	}
	login := parsed.Get("login")
	if !login.Exists() {
		return nil, fmt.Errorf("%w: record is missing the login key", ErrCorruptCache)
	}
	expiry := parsed.Get("expiry")
	if !expiry.Exists() {
		return nil, fmt.Errorf("%w: record is missing the expiry key", ErrCorruptCache)
	}
	if expiry.Type != gjson.Number || expiry.Num != float64(int64(expiry.Num)) {
		return nil, fmt.Errorf("%w: expiry is not an integer", ErrCorruptCache)
	}
	if !login.IsObject() {
		return nil, fmt.Errorf("%w: login is not an object", ErrCorruptCache)
	}

	if expiry.Int() < c.now().Unix() {
		log.Info("cached login data has expired")
		return nil, nil
	}

	var cred credential.Credential
	if err = json.Unmarshal([]byte(login.Raw), &cred); err != nil {
		return nil, fmt.Errorf("%w: login does not decode as a credential: %v", ErrCorruptCache, err)
	}
	return &cred, nil
}

// Save computes the record expiry from the credential lifetime, serializes
// the record, and replaces any prior record as one atomic write.
func (c *Cache) Save(ctx context.Context, cred credential.Credential, secret string) error {
	expiry := c.now().Unix() + cred.ExpiresIn
	expirationDT := time.Unix(expiry, 0).Format(time.RFC3339)

	plaintext, err := json.MarshalIndent(record{
		Login:        cred,
		Expiry:       expiry,
		ExpirationDT: expirationDT,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode record: %w", err)
	}

	data, err := c.codec.Encode(plaintext, secret)
	if err != nil {
		return fmt.Errorf("cache: seal record: %w", err)
	}
	if err = c.store.Write(ctx, data); err != nil {
		return fmt.Errorf("cache: write record: %w", err)
	}
	log.Infof("login data saved, valid until %s", expirationDT)
	return nil
}

// Clear removes the durable record. Clearing an absent record is not an
// error.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx); err != nil && !errors.Is(err, ErrNoRecord) {
		return fmt.Errorf("cache: delete record: %w", err)
	}
	return nil
}
