package token

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/pbkdf2"
)

// Static salt keeps key derivation deterministic across restarts so
// existing token maps stay readable.
const kdfSalt = "veil-tokenmap-salt-v1"

const (
	kdfIterations = 100000
	keyPrefix     = "tokenmap:"
	nonceSize     = 12
)

// RedisConfig holds Redis connection configuration for the token map.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore is the remote token map backend. Records are encrypted at
// rest with AES-256-GCM; the key is derived once at startup with
// PBKDF2-HMAC-SHA256 over the configured passphrase. TTL is enforced
// by Redis natively.
type RedisStore struct {
	client *redis.Client
	aead   cipher.AEAD
}

type recordPayload struct {
	KV   map[string]string `json:"kv"`
	Meta map[string]string `json:"meta"`
}

// NewRedisStore connects to Redis and prepares the encryption key.
func NewRedisStore(cfg RedisConfig, passphrase string) (*RedisStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is required for the redis token backend")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}

	slog.Info("redis token store initialized", "addr", cfg.Addr)
	return &RedisStore{client: client, aead: aead}, nil
}

func (s *RedisStore) key(handle string) string {
	return keyPrefix + handle
}

// encrypt returns nonce(12) || ciphertext || tag(16).
func (s *RedisStore) encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *RedisStore) decrypt(data []byte) ([]byte, error) {
	if len(data) < nonceSize {
		return nil, fmt.Errorf("encrypted record too short")
	}
	return s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
}

func (s *RedisStore) load(ctx context.Context, handle string) (*recordPayload, error) {
	data, err := s.client.Get(ctx, s.key(handle)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token map: %w", err)
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypting token map: %w", err)
	}
	var payload recordPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("decoding token map: %w", err)
	}
	return &payload, nil
}

func (s *RedisStore) Create(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	handle := newHandle()
	plain, err := json.Marshal(recordPayload{KV: map[string]string{}, Meta: map[string]string{}})
	if err != nil {
		return "", fmt.Errorf("encoding token map: %w", err)
	}
	encrypted, err := s.encrypt(plain)
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.key(handle), encrypted, ttl).Err(); err != nil {
		return "", fmt.Errorf("storing token map: %w", err)
	}
	return handle, nil
}

func (s *RedisStore) Put(ctx context.Context, handle, placeholder, raw, category string) error {
	payload, err := s.load(ctx, handle)
	if err != nil {
		return err
	}
	if payload == nil {
		return ErrInvalidHandle
	}

	payload.KV[placeholder] = raw
	payload.Meta[placeholder] = category

	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding token map: %w", err)
	}
	encrypted, err := s.encrypt(plain)
	if err != nil {
		return err
	}

	// Preserve the remaining TTL on rewrite.
	ttl, err := s.client.TTL(ctx, s.key(handle)).Result()
	if err != nil {
		return fmt.Errorf("reading token map TTL: %w", err)
	}
	if ttl > 0 {
		return s.client.Set(ctx, s.key(handle), encrypted, ttl).Err()
	}
	return s.client.Set(ctx, s.key(handle), encrypted, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, handle, placeholder string) (string, string, bool, error) {
	payload, err := s.load(ctx, handle)
	if err != nil {
		return "", "", false, err
	}
	if payload == nil {
		return "", "", false, nil
	}
	raw, ok := payload.KV[placeholder]
	if !ok {
		return "", "", false, nil
	}
	return raw, payload.Meta[placeholder], true, nil
}

func (s *RedisStore) All(ctx context.Context, handle string) (map[string]string, map[string]string, error) {
	payload, err := s.load(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		return map[string]string{}, map[string]string{}, nil
	}
	return payload.KV, payload.Meta, nil
}

// Cleanup is a no-op; Redis expires records natively.
func (s *RedisStore) Cleanup(context.Context) error {
	return nil
}

// Ping checks backend liveness for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
