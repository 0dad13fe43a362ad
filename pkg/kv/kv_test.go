package kv_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/haivivi/pushtalk/pkg/kv"
)

func stores(t *testing.T) map[string]kv.Store {
	t.Helper()
	b, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return map[string]kv.Store{
		"badger": b,
		"memory": kv.NewMemory(),
	}
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := kv.Key{"identity", "secret"}

			if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get missing = %v, want ErrNotFound", err)
			}
			if err := s.Set(ctx, key, []byte("abc")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "abc" {
				t.Fatalf("Get = %q, want %q", got, "abc")
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get after delete = %v, want ErrNotFound", err)
			}
			if err := s.Delete(ctx, kv.Key{"no", "such"}); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}
		})
	}
}

func TestListOrderAndBoundary(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []kv.Key{
				{"log", "evt", "0002"},
				{"log", "evt", "0001"},
				{"log", "evtx", "0003"},
				{"other", "x"},
			} {
				if err := s.Set(ctx, k, []byte(k.String())); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			var got []string
			for e, err := range s.List(ctx, kv.Key{"log", "evt"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				got = append(got, e.Key.String())
			}
			want := []string{"log:evt:0001", "log:evt:0002"}
			if !slices.Equal(got, want) {
				t.Fatalf("List = %v, want %v", got, want)
			}

			n := 0
			for _, err := range s.List(ctx, nil) {
				if err != nil {
					t.Fatalf("List all: %v", err)
				}
				n++
			}
			if n != 4 {
				t.Fatalf("List all = %d entries, want 4", n)
			}
		})
	}
}

func TestBatchDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, b := kv.Key{"a"}, kv.Key{"b"}
			s.Set(ctx, a, []byte("1"))
			s.Set(ctx, b, []byte("2"))
			if err := s.BatchDelete(ctx, []kv.Key{a, b}); err != nil {
				t.Fatalf("BatchDelete: %v", err)
			}
			for _, k := range []kv.Key{a, b} {
				if _, err := s.Get(ctx, k); !errors.Is(err, kv.ErrNotFound) {
					t.Errorf("Get(%s) = %v, want ErrNotFound", k, err)
				}
			}
		})
	}
}

func TestKeyAppend(t *testing.T) {
	base := kv.Key{"log"}
	k := base.Append("evt", "1")
	if k.String() != "log:evt:1" {
		t.Fatalf("Append = %s", k)
	}
	if len(base) != 1 {
		t.Fatalf("Append mutated base: %v", base)
	}
}

func TestNewBadgerRequiresDir(t *testing.T) {
	if _, err := kv.NewBadger(kv.BadgerOptions{}); err == nil {
		t.Fatal("NewBadger without Dir should fail")
	}
}
