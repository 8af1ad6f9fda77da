package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the consent repositories so a transition can update a record
// and append its audit event atomically.
type Store interface {
	Consents() ConsentRepository
	Audit() AuditRepository
	// WithinTx runs fn inside one database transaction. Any error returned by
	// fn rolls the transaction back and is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

type gormStore struct {
	db       *gorm.DB
	consents ConsentRepository
	audit    AuditRepository
}

// NewStore constructs a Store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{
		db:       db,
		consents: NewConsentRepository(db),
		audit:    NewAuditRepository(db),
	}
}

func (s *gormStore) Consents() ConsentRepository {
	return s.consents
}

func (s *gormStore) Audit() AuditRepository {
	return s.audit
}

func (s *gormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(NewStore(tx))
		return fnErr
	})
	if err != nil && fnErr == nil {
		return translate(err)
	}
	return err
}
