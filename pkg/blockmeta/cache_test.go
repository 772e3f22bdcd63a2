package blockmeta

import "testing"

func TestCache_LookupMiss(t *testing.T) {
	c := New()
	got := c.Lookup(42)
	if got.String() != "unknown" {
		t.Fatalf("expected unknown sentinel, got %q", got.String())
	}
}

func TestCache_PutThenLookup(t *testing.T) {
	c := New()
	c.Put(100, Meta{GasUsed: 21000, TxCount: 3})

	got := c.Lookup(100)
	if got.String() != "gas_used=21000 tx_count=3" {
		t.Fatalf("unexpected String() output: %q", got.String())
	}
}

func TestCache_PutOverwritesExisting(t *testing.T) {
	c := New()
	c.Put(1, Meta{GasUsed: 1, TxCount: 1})
	c.Put(1, Meta{GasUsed: 99, TxCount: 9})

	got := c.Lookup(1)
	meta, ok := got.(Meta)
	if !ok {
		t.Fatalf("expected Meta, got %T", got)
	}
	if meta.GasUsed != 99 || meta.TxCount != 9 {
		t.Fatalf("expected overwritten values, got %+v", meta)
	}
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New()
	for i := uint64(0); i < maxEntries; i++ {
		c.Put(i, Meta{GasUsed: i})
	}
	// Block 0 is present until capacity is exceeded.
	if _, ok := c.Lookup(0).(Meta); !ok {
		t.Fatal("expected block 0 to still be cached before eviction")
	}

	c.Put(maxEntries, Meta{GasUsed: maxEntries})

	if _, ok := c.Lookup(0).(Meta); ok {
		t.Fatal("expected block 0 to have been evicted")
	}
	if _, ok := c.Lookup(maxEntries).(Meta); !ok {
		t.Fatal("expected newly inserted block to be present")
	}
}
