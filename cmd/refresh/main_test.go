package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.txt")
	content := "# binder\nCharizard ex 199/165\t15000\n\n  Pikachu  \nBlastoise [Base Set]\t 2500 \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	items, err := readItems(path)
	if err != nil {
		t.Fatalf("readItems: %v", err)
	}
	want := []string{"Charizard ex 199/165", "Pikachu", "Blastoise [Base Set]"}
	if len(items.names) != len(want) {
		t.Fatalf("names = %v, want %v", items.names, want)
	}
	for i := range want {
		if items.names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, items.names[i], want[i])
		}
	}
	if items.costs["Charizard ex 199/165"] != 15000 || items.costs["Blastoise [Base Set]"] != 2500 {
		t.Fatalf("unexpected costs %v", items.costs)
	}
	if _, ok := items.costs["Pikachu"]; ok {
		t.Fatal("Pikachu has no cost basis")
	}
}

func TestReadItemsMissingFile(t *testing.T) {
	items, err := readItems(filepath.Join(t.TempDir(), "nope.txt"))
	if err != nil {
		t.Fatalf("missing file should be empty, got %v", err)
	}
	if len(items.names) != 0 {
		t.Fatalf("expected no names, got %v", items.names)
	}
}

func TestReadItemsBadCost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.txt")
	if err := os.WriteFile(path, []byte("Mew\tfree\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readItems(path); err == nil {
		t.Fatal("expected bad cost error")
	}
}
