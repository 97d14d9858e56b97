package kiro

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "kiro-accounts.json"))

	original := &Storage{
		Accounts: []*Account{
			NewAccount("a@x.com", AuthMethodBuilderID, "us-east-1", "cid", "sec", "", ""),
			NewAccount("b@x.com", AuthMethodIdentityCenter, "us-west-2", "cid2", "sec2", "https://y/start", "arn"),
		},
		ActiveIndex: 1,
	}

	if err := store.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(loaded.Accounts))
	}
	if loaded.ActiveIndex != 1 {
		t.Errorf("expected activeIndex 1, got %d", loaded.ActiveIndex)
	}
	if loaded.Accounts[0].Email != "a@x.com" {
		t.Errorf("unexpected first account: %+v", loaded.Accounts[0])
	}
	if loaded.Accounts[1].StartURL != "https://y/start" {
		t.Errorf("unexpected second account startURL: %+v", loaded.Accounts[1])
	}
}

func TestStore_Load_MissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "nope.json"))

	storage, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(storage.Accounts) != 0 {
		t.Errorf("expected empty storage, got %d accounts", len(storage.Accounts))
	}
}

func TestStore_Load_CorruptFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-accounts.json")
	store := NewStore(path)

	if err := store.Save(&Storage{Accounts: []*Account{NewAccount("a@x.com", AuthMethodBuilderID, "", "c", "s", "", "")}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Corrupt the file directly.
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	storage, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(storage.Accounts) != 0 {
		t.Errorf("expected empty storage after corruption, got %d accounts", len(storage.Accounts))
	}
}

func TestStore_ConcurrentSaves(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "kiro-accounts.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			storage := &Storage{
				Accounts: []*Account{NewAccount("c@x.com", AuthMethodBuilderID, "", "c", "s", "", "")},
			}
			if err := store.Save(storage); err != nil {
				t.Errorf("concurrent Save %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load after concurrent saves: %v", err)
	}
	if len(loaded.Accounts) != 1 {
		t.Errorf("expected 1 account surviving concurrent saves, got %d", len(loaded.Accounts))
	}
}
