package store

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shinyes/geo_crdt/pkg/logging"
)

type kvBackend struct {
	name string
	open func(t *testing.T, dir string) Store
}

var kvBackends = []kvBackend{
	{"badger", func(t *testing.T, dir string) Store {
		s, err := NewBadgerStore(dir, WithBadgerValueLogFileSize(4<<20))
		if err != nil {
			t.Fatalf("NewBadgerStore() failed: %v", err)
		}
		return s
	}},
	{"pebble", func(t *testing.T, dir string) Store {
		s, err := NewPebbleStore(dir)
		if err != nil {
			t.Fatalf("NewPebbleStore() failed: %v", err)
		}
		return s
	}},
}

func forEachKV(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range kvBackends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, filepath.Join(t.TempDir(), b.name))
			defer s.Close()
			fn(t, s)
		})
	}
}

func put(t *testing.T, s Store, kv ...string) {
	t.Helper()
	err := s.Update(func(tx Tx) error {
		for i := 0; i+1 < len(kv); i += 2 {
			if err := tx.Set([]byte(kv[i]), []byte(kv[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func keys(t *testing.T, s Store, prefix string, reverse bool) []string {
	t.Helper()
	var out []string
	err := s.View(func(tx Tx) error {
		return ScanPrefix(tx, []byte(prefix), reverse, func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("View() failed: %v", err)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestKV_UpdateAndGet(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		put(t, s, "key1", "value1")

		err := s.View(func(tx Tx) error {
			v, err := tx.Get([]byte("key1"))
			if err != nil {
				return err
			}
			if string(v) != "value1" {
				t.Errorf("Get() = %q, want value1", v)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() failed: %v", err)
		}
	})
}

func TestKV_GetNotFound(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		err := s.View(func(tx Tx) error {
			_, err := tx.Get([]byte("missing"))
			return err
		})
		if !errors.Is(err, ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
	})
}

func TestKV_DeleteAndOverwrite(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		put(t, s, "a", "1", "b", "2")
		put(t, s, "a", "3")
		if err := s.Update(func(tx Tx) error { return tx.Delete([]byte("b")) }); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		err := s.View(func(tx Tx) error {
			v, err := tx.Get([]byte("a"))
			if err != nil {
				return err
			}
			if string(v) != "3" {
				t.Errorf("overwrite lost: %q", v)
			}
			if _, err := tx.Get([]byte("b")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("deleted key still present: %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() failed: %v", err)
		}
	})
}

func TestKV_UpdateErrorDiscardsWrites(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		boom := errors.New("boom")
		err := s.Update(func(tx Tx) error {
			if err := tx.Set([]byte("k"), []byte("v")); err != nil {
				return err
			}
			// 事务内可以读到自己的写入
			if _, err := tx.Get([]byte("k")); err != nil {
				t.Errorf("read-your-writes failed: %v", err)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if got := keys(t, s, "", false); len(got) != 0 {
			t.Fatalf("rolled back write visible: %v", got)
		}
	})
}

func TestKV_ViewIsReadOnly(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		err := s.View(func(tx Tx) error {
			return tx.Set([]byte("k"), []byte("v"))
		})
		if !errors.Is(err, ErrReadOnly) {
			t.Fatalf("expected ErrReadOnly, got %v", err)
		}
	})
}

func TestKV_IteratorOrderAndPrefix(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		put(t, s, "a", "v", "p/1", "v", "p/2", "v", "p/3", "v", "q", "v")

		if got := keys(t, s, "", false); !equalStrings(got, []string{"a", "p/1", "p/2", "p/3", "q"}) {
			t.Errorf("forward = %v", got)
		}
		if got := keys(t, s, "p/", false); !equalStrings(got, []string{"p/1", "p/2", "p/3"}) {
			t.Errorf("prefix forward = %v", got)
		}
		if got := keys(t, s, "p/", true); !equalStrings(got, []string{"p/3", "p/2", "p/1"}) {
			t.Errorf("prefix reverse = %v", got)
		}
		if got := keys(t, s, "", true); !equalStrings(got, []string{"q", "p/3", "p/2", "p/1", "a"}) {
			t.Errorf("reverse = %v", got)
		}
	})
}

func TestKV_IteratorSeek(t *testing.T) {
	forEachKV(t, func(t *testing.T, s Store) {
		put(t, s, "a", "v", "b", "v", "d", "v")

		err := s.View(func(tx Tx) error {
			it := tx.NewIterator(IteratorOptions{})
			defer it.Close()
			it.Seek([]byte("c"))
			if !it.Valid() {
				t.Fatal("Iterator invalid after Seek")
			}
			k, _, err := it.Item()
			if err != nil {
				return err
			}
			if string(k) != "d" {
				t.Errorf("forward Seek(c) = %s, want d", k)
			}

			rit := tx.NewIterator(IteratorOptions{Reverse: true})
			defer rit.Close()
			rit.Seek([]byte("c"))
			if !rit.Valid() {
				t.Fatal("reverse iterator invalid after Seek")
			}
			k, _, err = rit.Item()
			if err != nil {
				return err
			}
			if string(k) != "b" {
				t.Errorf("reverse Seek(c) = %s, want b", k)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() failed: %v", err)
		}
	})
}

func TestKV_Persistence(t *testing.T) {
	for _, b := range kvBackends {
		t.Run(b.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), b.name)
			s := b.open(t, dir)
			put(t, s, "persistent", "yes")
			if err := s.Close(); err != nil {
				t.Fatalf("Close() failed: %v", err)
			}

			s = b.open(t, dir)
			defer s.Close()
			if got := keys(t, s, "", false); !equalStrings(got, []string{"persistent"}) {
				t.Fatalf("after reopen = %v", got)
			}
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := map[string]string{
		"s/":         "s0",
		"a\xff":      "b",
		"\xff\xff":   "",
		"o/\x01\xff": "o/\x02",
	}
	for in, want := range cases {
		if got := string(prefixEnd([]byte(in))); got != want {
			t.Errorf("prefixEnd(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBadgerLogger(t *testing.T) {
	var buf bytes.Buffer
	l := badgerLogger{l: logging.New(logging.Options{Level: slog.LevelInfo, Output: &buf})}

	l.Infof("tables opened\n")
	if buf.Len() != 0 {
		t.Fatalf("badger info should log at debug level, got %q", buf.String())
	}

	l.Warningf("value log %d truncated\n", 3)
	out := buf.String()
	if !strings.Contains(out, `msg="value log 3 truncated"`) || !strings.Contains(out, "component=badger") {
		t.Fatalf("unexpected log line %q", out)
	}

	s, err := NewBadgerStore(t.TempDir(), WithBadgerLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("NewBadgerStore() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
}
