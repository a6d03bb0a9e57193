package qcache

import "testing"

func TestNameIndexAddRemove(t *testing.T) {
	ni := newNameIndex()
	ni.add("example.com.", 1)
	ni.add("example.com.", 2)

	keys := ni.keysFor("example.com.")
	if len(keys) != 2 {
		t.Fatalf("keysFor = %v, want 2 entries", keys)
	}

	ni.remove("example.com.", 1)
	keys = ni.keysFor("example.com.")
	if len(keys) != 1 || keys[0] != 2 {
		t.Fatalf("keysFor after remove = %v, want [2]", keys)
	}

	ni.remove("example.com.", 2)
	if keys := ni.keysFor("example.com."); keys != nil {
		t.Fatalf("keysFor after removing last key = %v, want nil", keys)
	}
}

func TestNameIndexUnknownName(t *testing.T) {
	ni := newNameIndex()
	if keys := ni.keysFor("never-added.example.com."); keys != nil {
		t.Fatalf("keysFor on unknown name = %v, want nil", keys)
	}
}
