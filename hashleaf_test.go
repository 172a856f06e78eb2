package olctree

import (
	"bytes"
	"fmt"
	"testing"
)

func newHashLeafGuard(t *testing.T, lower, upper []byte) *Guard {
	t.Helper()
	a := NewAllocator(1)
	g := a.Alloc()
	initHashLeaf(g, lower, upper)
	return g
}

func TestHashLeaf_insertAndLookup(t *testing.T) {
	g := newHashLeafGuard(t, nil, nil)
	p := g.Page()

	want := map[string][]byte{}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		v := []byte(fmt.Sprintf("v%02d", i))
		if replaced, err := insertHashLeaf(g, k, v); err != nil || replaced {
			t.Fatalf("insertHashLeaf(%s) = (%v, %v), want (false, nil)", k, replaced, err)
		}
		want[string(k)] = v
	}
	for k, v := range want {
		val, found, err := lookupHashLeaf(p, []byte(k))
		if err != nil || !found {
			t.Fatalf("lookupHashLeaf(%s) = (_, %v, %v), want found", k, found, err)
		}
		if !bytes.Equal(val, v) {
			t.Fatalf("lookupHashLeaf(%s) = %v, want %v", k, val, v)
		}
	}
	if _, found, _ := lookupHashLeaf(p, []byte("missing")); found {
		t.Fatalf("lookupHashLeaf(missing) = found")
	}
}

func TestHashLeaf_overwriteAndRemove(t *testing.T) {
	g := newHashLeafGuard(t, nil, nil)
	p := g.Page()

	if _, err := insertHashLeaf(g, []byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	replaced, err := insertHashLeaf(g, []byte("a"), []byte("much longer replacement value"))
	if err != nil || !replaced {
		t.Fatalf("insertHashLeaf(overwrite) = (%v, %v), want (true, nil)", replaced, err)
	}
	val, found, _ := lookupHashLeaf(p, []byte("a"))
	if !found || !bytes.Equal(val, []byte("much longer replacement value")) {
		t.Fatalf("lookupHashLeaf after overwrite = %v", val)
	}

	if !removeHashLeaf(g, []byte("a")) {
		t.Fatalf("removeHashLeaf(a) = false, want true")
	}
	if removeHashLeaf(g, []byte("a")) {
		t.Fatalf("removeHashLeaf(a) twice = true, want false")
	}
	if nodeCount(p) != 0 {
		t.Fatalf("nodeCount() after remove = %d, want 0", nodeCount(p))
	}
}

func TestSortHashLeaf_producesAscendingOrder(t *testing.T) {
	g := newHashLeafGuard(t, nil, nil)
	p := g.Page()
	keys := []string{"delta", "alpha", "charlie", "echo", "bravo"}
	for _, k := range keys {
		if _, err := insertHashLeaf(g, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	sortHashLeaf(g)
	for i := 1; i < nodeCount(p); i++ {
		a := recordKeyTail(p, false, int(hashSlotAt(p, i-1)))
		b := recordKeyTail(p, false, int(hashSlotAt(p, i)))
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("sortHashLeaf() left records out of order at %d: %v >= %v", i, a, b)
		}
	}
}

func TestConvertLeaf_roundTripsBothDirections(t *testing.T) {
	a := NewAllocator(1)
	g := a.Alloc()
	initBasicLeaf(g, nil, nil)
	want := map[string][]byte{}
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key%02d", i))
		v := []byte(fmt.Sprintf("val%02d", i))
		if _, err := insertLeaf(g, k, v); err != nil {
			t.Fatal(err)
		}
		want[string(k)] = v
	}

	if err := convertLeaf(g, tagHashLeaf); err != nil {
		t.Fatalf("convertLeaf(->hash) = %v", err)
	}
	if pageTag(g.Page()) != tagHashLeaf {
		t.Fatalf("pageTag() after convertLeaf(->hash) = %d, want tagHashLeaf", pageTag(g.Page()))
	}
	for k, v := range want {
		val, found, err := lookupHashLeaf(g.Page(), []byte(k))
		if err != nil || !found || !bytes.Equal(val, v) {
			t.Fatalf("lookup(%s) after promotion = (%v,%v,%v), want (%v,true,nil)", k, val, found, err, v)
		}
	}

	if err := convertLeaf(g, tagBasicLeaf); err != nil {
		t.Fatalf("convertLeaf(->basic) = %v", err)
	}
	if pageTag(g.Page()) != tagBasicLeaf {
		t.Fatalf("pageTag() after convertLeaf(->basic) = %d, want tagBasicLeaf", pageTag(g.Page()))
	}
	for k, v := range want {
		val, found, err := lookupLeaf(g.Page(), []byte(k))
		if err != nil || !found || !bytes.Equal(val, v) {
			t.Fatalf("lookup(%s) after demotion = (%v,%v,%v), want (%v,true,nil)", k, val, found, err, v)
		}
	}
}
