// Package cobase is a versioned, persistent object cache over LMDB that
// several processes on one host can share.
//
// Components:
//   - Entity[V]: directly stored values. Every write takes a new version from
//     the process Ledger and is published to listeners and peer processes.
//   - Derived[V]: values computed from one or more sources. A source change
//     writes an 8-byte invalidated header; the next read recomputes.
//   - Manager: owns the tables of a process, their store pool and the
//     peer.Messenger that carries updates between processes.
//
// Entry layout (see internal/wire):
//
//	[status:1][reserved:1][version:6 BE][payload...]
//
// Derived writes are compare-and-swap on the header last read, so a write
// computed from stale inputs never replaces a newer entry:
//
//	users, _ := cobase.NewEntity[User](ctx, m, "users", cobase.EntityOptions[User]{})
//	names, _ := cobase.NewDerived[string](ctx, m, "names",
//	    cobase.Single(func(_ context.Context, _ cobase.ID, u User) (string, error) { return u.Name, nil }),
//	    cobase.DerivedOptions[string]{}, users)
//	_, _ = users.Set(ctx, cobase.NumID(7), User{Name: "ada"})
//	name, ok, err := names.Get(ctx, cobase.NumID(7))
package cobase
