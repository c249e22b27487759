package lockmap

import (
	"sync"
	"testing"
)

func TestMap_SerializesPerKey(t *testing.T) {
	m := New()
	counters := map[string]*int{"a": new(int), "b": new(int)}
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(key)
			defer unlock()
			*counters[key]++
		}()
	}
	wg.Wait()

	if *counters["a"] != 100 || *counters["b"] != 100 {
		t.Errorf("counters = %d/%d, want 100 each", *counters["a"], *counters["b"])
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", m.Len())
	}
}
