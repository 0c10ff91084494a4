package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kyungseok/payment-reconciliation/common/errors"
)

// Executor *sql.DB와 *sql.Tx의 공통 인터페이스
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Transactor 트랜잭션 경계 인터페이스
type Transactor interface {
	// Within 진행 중인 트랜잭션이 있으면 참여, 없으면 새로 시작
	Within(ctx context.Context, fn func(ctx context.Context) error) error
	// RequiresNew 바깥 트랜잭션과 무관한 독립 트랜잭션으로 실행
	RequiresNew(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// TxManager context로 *sql.Tx를 전달하는 트랜잭션 관리자
type TxManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewTxManager 트랜잭션 관리자 생성
func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db}
}

// Within 트랜잭션 참여 또는 시작
func (m *TxManager) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}
	return m.run(ctx, fn)
}

// RequiresNew 항상 새 트랜잭션 시작
// 바깥 트랜잭션이 롤백되어도 이 트랜잭션의 커밋 결과는 유지된다.
func (m *TxManager) RequiresNew(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, fn)
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}
	return nil
}

// TxFrom context에 담긴 트랜잭션 조회
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// Conn 진행 중인 트랜잭션이 있으면 tx, 없으면 db 반환
func Conn(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return db
}
