package olctree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestTree_emptyLookupMisses(t *testing.T) {
	tr := NewTree(64)
	if _, found := tr.Lookup([]byte("anything")); found {
		t.Fatalf("Lookup() on empty tree = found, want not found")
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() on empty tree = %v", err)
	}
}

func TestTree_singleInsertAndLookup(t *testing.T) {
	tr := NewTree(64)
	if replaced := tr.Insert([]byte("hello"), []byte("world")); replaced {
		t.Fatalf("Insert() first time = replaced, want not replaced")
	}
	val, found := tr.Lookup([]byte("hello"))
	if !found || !bytes.Equal(val, []byte("world")) {
		t.Fatalf("Lookup() = (%v, %v), want (world, true)", val, found)
	}
	if replaced := tr.Insert([]byte("hello"), []byte("there")); !replaced {
		t.Fatalf("Insert() over existing key = not replaced, want replaced")
	}
	val, found = tr.Lookup([]byte("hello"))
	if !found || !bytes.Equal(val, []byte("there")) {
		t.Fatalf("Lookup() after overwrite = (%v, %v), want (there, true)", val, found)
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestTree_removeThenReinsert(t *testing.T) {
	tr := NewTree(64)
	tr.Insert([]byte("k"), []byte("v1"))
	if removed := tr.Remove([]byte("k")); !removed {
		t.Fatalf("Remove() = false, want true")
	}
	if removed := tr.Remove([]byte("k")); removed {
		t.Fatalf("Remove() twice = true, want false")
	}
	if _, found := tr.Lookup([]byte("k")); found {
		t.Fatalf("Lookup() after Remove() = found")
	}
	tr.Insert([]byte("k"), []byte("v2"))
	val, found := tr.Lookup([]byte("k"))
	if !found || !bytes.Equal(val, []byte("v2")) {
		t.Fatalf("Lookup() after reinsert = (%v, %v), want (v2, true)", val, found)
	}
}

func TestTree_splitAcrossManyKeysPreservesEveryValue(t *testing.T) {
	tr := NewTree(4096)
	const n = 4000
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		v := []byte(fmt.Sprintf("value-%d", i))
		tr.Insert(k, v)
		want[string(k)] = string(v)
	}
	for k, v := range want {
		val, found := tr.Lookup([]byte(k))
		if !found || string(val) != v {
			t.Fatalf("Lookup(%q) = (%q, %v), want (%q, true)", k, val, found, v)
		}
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() after %d inserts = %v", n, err)
	}
}

func TestTree_longKeysWithSharedPrefixes(t *testing.T) {
	tr := NewTree(4096)
	prefix := bytes.Repeat([]byte("x"), 400)
	var keys [][]byte
	for i := 0; i < 200; i++ {
		k := append(append([]byte{}, prefix...), []byte(fmt.Sprintf("-%04d", i))...)
		keys = append(keys, k)
		tr.Insert(k, []byte(fmt.Sprintf("v%d", i)))
	}
	for i, k := range keys {
		val, found := tr.Lookup(k)
		if !found || string(val) != fmt.Sprintf("v%d", i) {
			t.Fatalf("Lookup(long key %d) = (%v, %v), want v%d", i, val, found, i)
		}
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestTree_scanVisitsKeysInOrderFromLowerBound(t *testing.T) {
	tr := NewTree(4096)
	const n = 500
	for i := 0; i < n; i++ {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		tr.Insert(k, k)
	}
	lowerIdx := 123
	lower := make([]byte, 8)
	binary.BigEndian.PutUint64(lower, uint64(lowerIdx))

	var got []uint64
	tr.Scan(lower, func(key, val []byte) bool {
		got = append(got, binary.BigEndian.Uint64(key))
		return false
	})
	if len(got) != n-lowerIdx {
		t.Fatalf("Scan() visited %d keys, want %d", len(got), n-lowerIdx)
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }) {
		t.Fatalf("Scan() results not in ascending order: %v", got)
	}
	if got[0] != uint64(lowerIdx) {
		t.Fatalf("Scan() first key = %d, want %d", got[0], lowerIdx)
	}
}

func TestTree_scanCanBeStoppedEarly(t *testing.T) {
	tr := NewTree(4096)
	for i := 0; i < 100; i++ {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		tr.Insert(k, k)
	}
	count := 0
	tr.Scan(nil, func(key, val []byte) bool {
		count++
		return count == 10
	})
	if count != 10 {
		t.Fatalf("Scan() stopped after %d callbacks, want 10", count)
	}
}

func TestTree_insertLookupConcurrently(t *testing.T) {
	tr := NewTree(16384)
	const routines = 8
	const perRoutine = 2000

	var wg sync.WaitGroup
	wg.Add(routines)
	start := time.Now()
	for r := 0; r < routines; r++ {
		go func(n int) {
			defer wg.Done()
			for i := 0; i < perRoutine; i++ {
				k := make([]byte, 8)
				binary.BigEndian.PutUint64(k, uint64(n*perRoutine+i))
				tr.Insert(k, k)
				if val, found := tr.Lookup(k); !found || !bytes.Equal(val, k) {
					t.Errorf("goroutine %d: Lookup(%v) = (%v,%v), want (%v,true)", n, k, val, found, k)
				}
			}
		}(r)
	}
	wg.Wait()
	t.Logf("inserted %d keys concurrently in %v", routines*perRoutine, time.Since(start))

	for r := 0; r < routines; r++ {
		for i := 0; i < perRoutine; i++ {
			k := make([]byte, 8)
			binary.BigEndian.PutUint64(k, uint64(r*perRoutine+i))
			if val, found := tr.Lookup(k); !found || !bytes.Equal(val, k) {
				t.Fatalf("post-concurrency Lookup(%v) = (%v,%v), want (%v,true)", k, val, found, k)
			}
		}
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate() after concurrent inserts = %v", err)
	}
}

func TestTree_keyAndValueSizeLimitsPanic(t *testing.T) {
	tr := NewTree(16)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("Insert() with oversized key did not panic")
			}
		}()
		tr.Insert(bytes.Repeat([]byte("k"), MaxKeySize+1), []byte("v"))
	}()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("Insert() with oversized value did not panic")
			}
		}()
		tr.Insert([]byte("k"), bytes.Repeat([]byte("v"), MaxValSize+1))
	}()
}
