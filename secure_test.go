package cobase

import (
	"context"
	"errors"
	"testing"
)

var errDenied = errors.New("denied")

func denyWritesOf(blocked ID) Checker {
	return func(_ context.Context, _ string, action Action, id ID) error {
		if action != ActionRead && id == blocked {
			return errDenied
		}
		return nil
	}
}

func TestGuard_DeniesAndAllows(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{})
	users, err := NewEntity[user](ctx, m, "users", EntityOptions[user]{})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	g := Guard[user](users, denyWritesOf(NumID(13)))

	_, err = g.Set(ctx, NumID(13), user{Name: "x"})
	var ae *AccessError
	if !errors.As(err, &ae) || !errors.Is(err, errDenied) {
		t.Fatalf("want AccessError wrapping errDenied, got %v", err)
	}
	if ae.Action != ActionWrite || ae.Table != "users" || ae.ID != NumID(13) {
		t.Fatalf("AccessError=%+v", ae)
	}
	if _, err := g.Delete(ctx, NumID(13)); !errors.As(err, &ae) || ae.Action != ActionDelete {
		t.Fatalf("want delete denied, got %v", err)
	}
	if _, ok, _ := users.Get(ctx, NumID(13)); ok {
		t.Fatalf("denied write reached the table")
	}

	if _, err := g.Set(ctx, NumID(1), user{Name: "ok"}); err != nil {
		t.Fatalf("allowed Set: %v", err)
	}
	if v, ok, err := g.Get(ctx, NumID(1)); err != nil || !ok || v.Name != "ok" {
		t.Fatalf("Get through guard: %+v ok=%v err=%v", v, ok, err)
	}
}

func TestGuard_DerivedIsReadOnly(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{})
	_, d := openPair(t, m, 0, double)
	g := Guard[int](d, nil)
	if _, err := g.Set(ctx, NumID(1), 1); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
	if _, err := g.Delete(ctx, NumID(1)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
	if _, ok, err := g.Get(ctx, NumID(1)); err != nil || ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
}
