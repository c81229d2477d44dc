// Package store applies order transitions directly to Postgres. It is the
// alternative to the HTTP updater for deployments that share the orders
// database.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiwari-pos/dispatch/internal/enum"
	"github.com/kiwari-pos/dispatch/internal/transition"
	"golang.org/x/crypto/bcrypt"
)

//go:embed schema.sql
var schemaSQL string

const (
	lockOrderSQL     = `SELECT status FROM orders WHERE id = $1 FOR UPDATE`
	getOrderSQL      = `SELECT status FROM orders WHERE id = $1`
	updateStatusSQL  = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`
	insertProofSQL   = `INSERT INTO delivery_proofs (order_id, otp_hash) VALUES ($1, $2) RETURNING id`
	insertReceiptSQL = `INSERT INTO delivery_receipts (proof_id, position, file_name, content_type, data) VALUES ($1, $2, $3, $4, $5)`
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UserError carries a message safe to show the operator.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string       { return e.Message }
func (e *UserError) Unwrap() error       { return e.Err }
func (e *UserError) UserMessage() string { return e.Message }

// Store implements transition.Updater against Postgres.
type Store struct {
	db       DB
	hashCost int
}

func New(db DB) *Store {
	return &Store{db: db, hashCost: bcrypt.DefaultCost}
}

// Migrate creates the tables the store writes to, if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// GetOrderRef reads the current status of an order.
func (s *Store) GetOrderRef(ctx context.Context, orderID uuid.UUID) (transition.OrderRef, error) {
	var raw string
	if err := s.db.QueryRow(ctx, getOrderSQL, orderID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transition.OrderRef{}, transition.ErrOrderNotFound
		}
		return transition.OrderRef{}, fmt.Errorf("get order: %w", err)
	}
	status, err := enum.ParseOrderStatus(raw)
	if err != nil {
		return transition.OrderRef{}, fmt.Errorf("get order: %w", err)
	}
	return transition.OrderRef{ID: orderID, Status: status}, nil
}

// UpdateOrderStatus writes the new status and, for DELIVERED, the proof of
// delivery in a single transaction. Only a bcrypt hash of the OTP is stored.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, p transition.Payload) error {
	// --- Hash before the transaction so bcrypt time doesn't hold the row lock ---
	var otpHash []byte
	if p.HasEvidence() {
		h, err := bcrypt.GenerateFromPassword([]byte(p.OTP), s.hashCost)
		if err != nil {
			return fmt.Errorf("hash otp: %w", err)
		}
		otpHash = h
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// --- Lock the order row ---
	var current string
	if err := tx.QueryRow(ctx, lockOrderSQL, orderID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &UserError{Message: "order not found", Err: transition.ErrOrderNotFound}
		}
		return fmt.Errorf("lock order: %w", err)
	}

	// --- Update status ---
	if _, err := tx.Exec(ctx, updateStatusSQL, orderID, string(p.Status)); err != nil {
		if isCheckViolation(err) {
			return &UserError{Message: fmt.Sprintf("status %s is not allowed", p.Status), Err: err}
		}
		return fmt.Errorf("update status: %w", err)
	}

	// --- Proof of delivery ---
	if p.HasEvidence() {
		var proofID uuid.UUID
		if err := tx.QueryRow(ctx, insertProofSQL, orderID, otpHash).Scan(&proofID); err != nil {
			return fmt.Errorf("insert delivery proof: %w", err)
		}
		for i, f := range p.Receipts {
			if _, err := tx.Exec(ctx, insertReceiptSQL, proofID, int32(i), f.Name, f.ContentType, f.Data); err != nil {
				return fmt.Errorf("receipt[%d]: insert: %w", i, err)
			}
		}
	}

	// --- Commit ---
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isCheckViolation reports a CHECK constraint failure (pgconn code 23514).
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}
