package cobase

import (
	"context"
	"runtime"
	"testing"
	"time"
)

type box struct {
	n   int
	pad [64]byte
}

// collected runs the garbage collector until gone reports true.
func collected(gone func() bool) bool {
	for i := 0; i < 50; i++ {
		runtime.GC()
		if gone() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// ==============================
// Registry
// ==============================

func TestRegistry_OneInstancePerKey(t *testing.T) {
	r := newRegistry[box](false)
	a := r.loadOrCreate("k", func() *box { return &box{n: 1} })
	b := r.loadOrCreate("k", func() *box { return &box{n: 2} })
	if a != b || b.n != 1 {
		t.Fatalf("second loadOrCreate made a new instance")
	}
	if r.load("k") != a || r.len() != 1 {
		t.Fatalf("load mismatch")
	}
	r.delete("k")
	if r.load("k") != nil {
		t.Fatalf("deleted key still loads")
	}
	runtime.KeepAlive(a)
}

func TestRegistry_WeakReclaims(t *testing.T) {
	r := newRegistry[box](false)
	func() {
		r.loadOrCreate("k", func() *box { return &box{n: 1} })
	}()
	if !collected(func() bool { return r.load("k") == nil }) {
		t.Fatalf("unreferenced instance was not reclaimed")
	}
	b := r.loadOrCreate("k", func() *box { return &box{n: 2} })
	if b.n != 2 {
		t.Fatalf("reclaimed key should get a fresh instance")
	}
	runtime.KeepAlive(b)
}

func TestRegistry_StrongKeeps(t *testing.T) {
	r := newRegistry[box](true)
	func() {
		r.loadOrCreate("k", func() *box { return &box{n: 1} })
	}()
	for i := 0; i < 3; i++ {
		runtime.GC()
	}
	if p := r.load("k"); p == nil || p.n != 1 {
		t.Fatalf("strong registry dropped its instance")
	}
}

// ==============================
// Instances and retention
// ==============================

func TestEntity_UnusedInstancesAreReloaded(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{})
	users, err := NewEntity[user](ctx, m, "users", EntityOptions[user]{})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	if _, err := users.Set(ctx, NumID(1), user{Name: "a"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	settle(t, m)
	key := string(NumID(1).Key())
	if !collected(func() bool { return users.reg.load(key) == nil }) {
		t.Fatalf("instance outlived its last reference")
	}
	got, ok, err := users.Get(ctx, NumID(1))
	if err != nil || !ok || got.Name != "a" {
		t.Fatalf("reload: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestEntity_RetainedInstancesSurviveGC(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{RetainCost: 1 << 20})
	users, err := NewEntity[user](ctx, m, "users", EntityOptions[user]{})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	if _, err := users.Set(ctx, NumID(1), user{Name: "a"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	m.retain.c.Wait()
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	if users.reg.load(string(NumID(1).Key())) == nil {
		t.Fatalf("retained instance was reclaimed")
	}

	if _, err := users.Delete(ctx, NumID(1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	m.retain.c.Wait()
	if _, ok := m.retain.c.Get(users.retainKey(NumID(1).Key())); ok {
		t.Fatalf("deleted instance still retained")
	}
}

func TestEntity_StrongOptionKeepsInstances(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{})
	users, err := NewEntity[user](ctx, m, "users", EntityOptions[user]{Strong: true})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	for id := uint64(1); id <= 3; id++ {
		if _, err := users.Set(ctx, NumID(id), user{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	runtime.GC()
	if n := users.reg.len(); n != 3 {
		t.Fatalf("strong registry holds %d instances", n)
	}
}
