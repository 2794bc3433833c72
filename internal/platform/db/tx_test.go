package db

import (
	"context"
	"errors"
	"testing"
)

func TestConnFromContext_Nil(t *testing.T) {
	if q := ConnFromContext(context.Background()); q != nil {
		t.Error("expected nil querier from empty context")
	}
}

func TestConnFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if q := ConnFromContext(ctx); q != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestTxManager_WithinTx_NoDatabase(t *testing.T) {
	m := NewTxManager(nil)
	called := false
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected error without connection or pool")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestTxManager_Lock_NoTx(t *testing.T) {
	m := NewTxManager(nil)
	if err := m.Lock(context.Background(), 42, false); !errors.Is(err, ErrNoTx) {
		t.Errorf("expected ErrNoTx, got %v", err)
	}
}
