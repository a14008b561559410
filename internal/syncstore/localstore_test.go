package syncstore

import (
	"reflect"
	"testing"
	"time"
)

func TestDirStoreRoundTrip(t *testing.T) {
	store, err := NewDirLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := store.Set("userData", `{"a":1}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok := store.Get("userData")
	if !ok || got != `{"a":1}` {
		t.Fatalf("expected stored value back, got %q (ok=%v)", got, ok)
	}
	store.Remove("userData")
	if _, ok := store.Get("userData"); ok {
		t.Fatalf("expected key gone after remove")
	}
}

func TestDirStorePersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	store, err := NewDirLocalStore(root)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := store.Set("doc", "payload"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	reopened, err := NewDirLocalStore(root)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok := reopened.Get("doc")
	if !ok || got != "payload" {
		t.Fatalf("expected value to survive reopen, got %q (ok=%v)", got, ok)
	}
}

func TestDirStoreEscapesAwkwardKeys(t *testing.T) {
	store, err := NewDirLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	key := "suggestions/2024-01-01 09:00"
	if err := store.Set(key, "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok := store.Get(key); !ok {
		t.Fatalf("expected escaped key readable")
	}
	keys := store.Keys()
	if !reflect.DeepEqual(keys, []string{key}) {
		t.Fatalf("expected %q listed, got %v", key, keys)
	}
}

func TestDirStoreKeysSortedAndFiltered(t *testing.T) {
	store, err := NewDirLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	for _, key := range []string{"b", "a", "c"} {
		if err := store.Set(key, "v"); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}
	if got := store.Keys(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected sorted keys, got %v", got)
	}
}

func TestDirStoreWatchSeesForeignWrites(t *testing.T) {
	root := t.TempDir()
	watching, err := NewDirLocalStore(root)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	// A second store over the same root stands in for another process.
	foreign, err := NewDirLocalStore(root)
	if err != nil {
		t.Fatalf("second store failed: %v", err)
	}

	changed := make(chan string, 8)
	stop, err := watching.Watch(func(key string) { changed <- key })
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stop()

	if err := foreign.Set("shared", "v1"); err != nil {
		t.Fatalf("foreign set failed: %v", err)
	}
	select {
	case key := <-changed:
		if key != "shared" {
			t.Fatalf("expected change for shared, got %s", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for foreign write event")
	}
}

func TestDirStoreWatchSuppressesOwnWrites(t *testing.T) {
	store, err := NewDirLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	changed := make(chan string, 8)
	stop, err := store.Watch(func(key string) { changed <- key })
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stop()

	if err := store.Set("own", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	select {
	case key := <-changed:
		t.Fatalf("expected own write suppressed, got event for %s", key)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMemoryStoreKeys(t *testing.T) {
	store := NewMemoryLocalStore()
	for _, key := range []string{"z", "a"} {
		if err := store.Set(key, "v"); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	if got := store.Keys(); !reflect.DeepEqual(got, []string{"a", "z"}) {
		t.Fatalf("expected sorted keys, got %v", got)
	}
}

func TestKeyFromFileName(t *testing.T) {
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"userData.json", "userData", true},
		{"a%2Fb.json", "a/b", true},
		{"userData.json.tmp", "", false},
		{"notes.txt", "", false},
		{".json", "", false},
	}
	for _, tc := range cases {
		key, ok := keyFromFileName(tc.name)
		if key != tc.key || ok != tc.ok {
			t.Fatalf("keyFromFileName(%q) = %q, %v; expected %q, %v", tc.name, key, ok, tc.key, tc.ok)
		}
	}
}
