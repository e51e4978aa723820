package hitch

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// BunProfileStore is a ProfileStore backed by the user_infos table.
type BunProfileStore struct {
	db     bun.IDB
	logger Logger
}

var _ ProfileStore = (*BunProfileStore)(nil)

// BunProfileStoreOption customizes the store.
type BunProfileStoreOption func(*BunProfileStore)

// WithProfileStoreLogger overrides the logger.
func WithProfileStoreLogger(logger Logger) BunProfileStoreOption {
	return func(s *BunProfileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewBunProfileStore returns a profile store on db.
func NewBunProfileStore(db bun.IDB, opts ...BunProfileStoreOption) *BunProfileStore {
	s := &BunProfileStore{
		db:     db,
		logger: defLogger("profiles"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithTx returns a store bound to tx.
func (s *BunProfileStore) WithTx(tx bun.IDB) *BunProfileStore {
	return &BunProfileStore{db: tx, logger: s.logger}
}

// FindByUsername returns the profile keyed by username, or nil.
func (s *BunProfileStore) FindByUsername(ctx context.Context, username string) (*UserInfo, error) {
	return s.findBy(ctx, "username", strings.TrimSpace(username))
}

// FindByEmail returns the first profile with the given contact email, or nil.
func (s *BunProfileStore) FindByEmail(ctx context.Context, email string) (*UserInfo, error) {
	return s.findBy(ctx, "email", strings.TrimSpace(email))
}

func (s *BunProfileStore) findBy(ctx context.Context, column, value string) (*UserInfo, error) {
	if value == "" {
		return nil, nil
	}

	record := &UserInfo{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		OrderExpr("?TableAlias.username ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, NewStoreError(err, "find by "+column)
	}

	return record, nil
}

// Create inserts a new profile. A duplicate username is a store error.
func (s *BunProfileStore) Create(ctx context.Context, username, email string) (*UserInfo, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, goerrors.New("username is required", goerrors.CategoryValidation).
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}

	now := time.Now()
	record := &UserInfo{
		Username:  username,
		Email:     strings.TrimSpace(email),
		CreatedAt: &now,
		UpdatedAt: &now,
	}

	if _, err := s.db.NewInsert().Model(record).Returning("*").Exec(ctx); err != nil {
		s.logger.Error("profile insert failed", "username", username, "error", err)
		return nil, NewStoreError(err, "create").
			WithMetadata(map[string]any{"username": username})
	}

	return record, nil
}

// UpdateEmail changes the contact email of a profile. A missing profile
// is a not found error.
func (s *BunProfileStore) UpdateEmail(ctx context.Context, username, email string) (*UserInfo, error) {
	now := time.Now()
	record := &UserInfo{}
	res, err := s.db.NewUpdate().
		Model(record).
		Set("email = ?", strings.TrimSpace(email)).
		Set("updated_at = ?", now).
		Where("username = ?", strings.TrimSpace(username)).
		Exec(ctx)
	if err != nil {
		return nil, NewStoreError(err, "update email")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, NewProfileNotFoundError(username)
	}

	return s.FindByUsername(ctx, username)
}
