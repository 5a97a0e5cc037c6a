package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexus-chat/nexus/internal/models"
)

// KeyManager loads or provisions the instance's Ed25519 federation identity
// and persists it so restarts reuse the same key until it expires.
//
// It queries the newest active non-expired row; if none exists, it
// generates a fresh key and inserts it with insert-if-absent semantics
// so concurrent startups converge on the same winner.
type KeyManager struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewKeyManager creates a KeyManager backed by the given connection pool.
func NewKeyManager(pool *pgxpool.Pool, logger *slog.Logger) *KeyManager {
	return &KeyManager{pool: pool, logger: logger}
}

// LoadOrGenerate returns the instance's current active key pair, generating
// and persisting a new one if none exists or the latest has expired. Safe
// for concurrent startup: the insert-if-absent guarantees at most one
// winner, and losers re-query to load that winner's key.
func (km *KeyManager) LoadOrGenerate(ctx context.Context) (*models.ServerKeyPair, error) {
	kp, err := km.loadActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying active federation key: %w", err)
	}
	if kp != nil {
		return kp, nil
	}

	generated, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating federation key: %w", err)
	}

	_, err = km.pool.Exec(ctx,
		`INSERT INTO federation_keys (key_id, seed, public_key, created_at, expires_at, is_active)
		 VALUES ($1, $2, $3, now(), $4, true)
		 ON CONFLICT (key_id) DO NOTHING`,
		generated.KeyID, generated.Seed, []byte(generated.Public), generated.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("persisting federation key: %w", err)
	}

	// Another goroutine/process may have won the insert race; re-query so
	// every caller observes the same winning key.
	winner, err := km.loadActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-querying federation key after insert: %w", err)
	}
	if winner == nil {
		return nil, fmt.Errorf("no active federation key found immediately after insert")
	}

	km.logger.Info("provisioned federation key", slog.String("key_id", winner.KeyID))
	return winner, nil
}

// loadActive returns the newest active, non-expired key, or nil if none exists.
func (km *KeyManager) loadActive(ctx context.Context) (*models.ServerKeyPair, error) {
	var kp models.ServerKeyPair
	var pub []byte
	err := km.pool.QueryRow(ctx,
		`SELECT key_id, seed, public_key, expires_at
		 FROM federation_keys
		 WHERE is_active = TRUE AND expires_at > now()
		 ORDER BY created_at DESC LIMIT 1`,
	).Scan(&kp.KeyID, &kp.Seed, &pub, &kp.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	kp.Public = ed25519.PublicKey(pub)
	kp.IsActive = true
	return &kp, nil
}

// generateKeyPair creates a fresh Ed25519 key pair and derives its key_id.
func generateKeyPair() (*models.ServerKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &models.ServerKeyPair{
		KeyID:     deriveKeyID(pub),
		Seed:      priv.Seed(),
		Public:    pub,
		ExpiresAt: time.Now().UTC().Add(models.KeyTTL),
		IsActive:  true,
	}, nil
}

// deriveKeyID derives a key_id ("ed25519:<10-hex>") from the first 5 bytes
// of the public key (10 hex characters).
func deriveKeyID(pub ed25519.PublicKey) string {
	n := 5
	if len(pub) < n {
		n = len(pub)
	}
	return "ed25519:" + hex.EncodeToString(pub[:n])
}

// ToKeyDocument builds the wire representation served at
// /_nexus/key/v2/server.
func (km *KeyManager) ToKeyDocument(serverName string, kp *models.ServerKeyPair) models.KeyDocument {
	return models.KeyDocument{
		ServerName: serverName,
		VerifyKeys: map[string]models.KeyDocumentEntry{
			kp.KeyID: {Key: base64URLEncode(kp.Public)},
		},
		ValidUntilTS: time.Now().UTC().Add(models.KeyTTL).UnixMilli(),
	}
}
