package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"no rows", pgx.ErrNoRows, KindContentionLost},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, KindTransientIO},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, KindTransientIO},
		{"too many connections", &pgconn.PgError{Code: "53300"}, KindResourceExhausted},
		{"unique violation", &pgconn.PgError{Code: "23505"}, KindUnprocessable},
		{"unrecognized", errors.New("boom"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestWrapPreservesKind(t *testing.T) {
	err := Wrap(&pgconn.PgError{Code: "40P01"})
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if se.Kind != KindTransientIO {
		t.Errorf("expected KindTransientIO, got %v", se.Kind)
	}
}
