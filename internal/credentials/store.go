// Package credentials resolves the exchange API credentials an account has on file.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"strade-go/internal/exchange"
	"strade-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the account has no matching credential.
	ErrNotFound = errors.New("credential not found")
	// ErrAmbiguousCredential is returned when no exchange was named and the
	// account has more than one credential on file.
	ErrAmbiguousCredential = errors.New("account has several exchange credentials, name one")
	// ErrDuplicateCredential is returned when registering a secret or an
	// (account, exchange) pair that already exists.
	ErrDuplicateCredential = errors.New("credential already registered")
)

type cacheKey struct {
	accountID uint
	exchange  exchange.Name
}

// Store reads and registers credentials. Credentials never change after
// creation, so lookups are cached for the life of the process.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]models.Credential
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named("credentials"),
		cache:  make(map[cacheKey]models.Credential),
	}
}

func (s *Store) cached(key cacheKey) (models.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[key]
	return c, ok
}

func (s *Store) remember(c models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey{accountID: c.AccountID, exchange: exchange.Name(c.Exchange)}] = c
}

// Resolve returns the credential of accountID for the named exchange. The name
// is validated before the database is touched.
func (s *Store) Resolve(ctx context.Context, accountID uint, exchangeName string) (*models.Credential, error) {
	name, err := exchange.ParseName(exchangeName)
	if err != nil {
		return nil, err
	}
	key := cacheKey{accountID: accountID, exchange: name}
	if c, ok := s.cached(key); ok {
		return &c, nil
	}

	var c models.Credential
	err = s.db.WithContext(ctx).
		Where("account_id = ? AND exchange = ?", accountID, string(name)).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: account %d has no %s credential", ErrNotFound, accountID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	s.remember(c)
	return &c, nil
}

// ResolveDefault returns the only credential of accountID. It fails closed:
// zero credentials yield ErrNotFound and more than one ErrAmbiguousCredential.
func (s *Store) ResolveDefault(ctx context.Context, accountID uint) (*models.Credential, error) {
	var creds []models.Credential
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Limit(2).
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	switch len(creds) {
	case 0:
		return nil, fmt.Errorf("%w: account %d has no credentials", ErrNotFound, accountID)
	case 1:
		s.remember(creds[0])
		return &creds[0], nil
	default:
		return nil, fmt.Errorf("%w (account %d)", ErrAmbiguousCredential, accountID)
	}
}

// Register stores a new credential after validating the exchange name and
// rejecting duplicates.
func (s *Store) Register(ctx context.Context, c *models.Credential) error {
	name, err := exchange.ParseName(c.Exchange)
	if err != nil {
		return err
	}
	c.Exchange = string(name)
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("api key and secret are required")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Credential{}).
			Where("api_secret = ? OR (account_id = ? AND exchange = ?)", c.APISecret, c.AccountID, c.Exchange).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateCredential
		}
		return tx.Create(c).Error
	})
	if errors.Is(err, ErrDuplicateCredential) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to register credential: %w", err)
	}

	s.logger.Info("Registered exchange credential",
		zap.Uint("account_id", c.AccountID),
		zap.String("exchange", c.Exchange),
	)
	s.remember(*c)
	return nil
}

// List returns every credential of accountID ordered by creation.
func (s *Store) List(ctx context.Context, accountID uint) ([]models.Credential, error) {
	var creds []models.Credential
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// ByID loads a credential by primary key, restricted to accountID.
func (s *Store) ByID(ctx context.Context, accountID, id uint) (*models.Credential, error) {
	var c models.Credential
	err := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: credential %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &c, nil
}

// ExchangeCredentials converts a stored credential into adapter credentials.
func ExchangeCredentials(c *models.Credential) exchange.Credentials {
	return exchange.Credentials{APIKey: c.APIKey, APISecret: c.APISecret, Passphrase: c.Passphrase}
}
