package cache

import (
	"reflect"
	"testing"

	"github.com/hyperengineering/offsync/internal/types"
)

func TestCache_PutGetReturnsCopies(t *testing.T) {
	c := New()
	in := types.Fields{"title": "A", "tags": []any{"x"}}
	c.Put("Task", "T1", in)
	in["title"] = "mutated"

	got, ok := c.Get("Task", "T1")
	if !ok {
		t.Fatal("Get returned not found")
	}
	if got["title"] != "A" {
		t.Errorf("title = %v, want A", got["title"])
	}
	got["title"] = "also mutated"
	again, _ := c.Get("Task", "T1")
	if again["title"] != "A" {
		t.Error("Get result aliases cached state")
	}
}

func TestCache_Merge(t *testing.T) {
	c := New()
	c.Put("Task", "T1", types.Fields{"title": "A", "version": 1})

	merged := c.Merge("Task", "T1", types.Fields{"title": "B"})
	want := types.Fields{"title": "B", "version": 1}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("Merge = %v, want %v", merged, want)
	}

	created := c.Merge("Task", "T2", types.Fields{"title": "new"})
	if created["title"] != "new" {
		t.Errorf("Merge on missing entity = %v", created)
	}
}

func TestCache_DeleteAndKeys(t *testing.T) {
	c := New()
	c.Put("Task", "T2", types.Fields{})
	c.Put("Task", "T1", types.Fields{})
	c.Delete("Task", "T2")

	if got := c.Keys(); !reflect.DeepEqual(got, []string{"Task:T1"}) {
		t.Errorf("Keys = %v, want [Task:T1]", got)
	}
	if _, ok := c.Get("Task", "T2"); ok {
		t.Error("deleted entity still cached")
	}
}

func TestCache_OptimisticLayer(t *testing.T) {
	c := New()
	c.Put("Task", "T1", types.Fields{"title": "A", "version": 1})

	view := c.Optimistic("Task", "T1", types.Fields{"title": "B", "version": 2})
	if view["title"] != "B" || view["version"] != 2 {
		t.Errorf("Optimistic view = %v, want predicted fields on top", view)
	}
	if got, _ := c.Get("Task", "T1"); !reflect.DeepEqual(got, view) {
		t.Errorf("Get = %v, want %v", got, view)
	}
	if confirmed, _ := c.Confirmed("Task", "T1"); confirmed["version"] != 1 || confirmed["title"] != "A" {
		t.Errorf("Confirmed = %v, want the pushed state untouched", confirmed)
	}

	// A server answer lands underneath the prediction until it settles
	c.Merge("Task", "T1", types.Fields{"title": "server"})
	if got, _ := c.Get("Task", "T1"); got["title"] != "B" {
		t.Errorf("Get before settle = %v, want prediction still visible", got)
	}
	c.Settle("Task", "T1")
	if got, _ := c.Get("Task", "T1"); got["title"] != "server" || got["version"] != 1 {
		t.Errorf("Get after settle = %v, want confirmed state", got)
	}
}

func TestCache_OptimisticOnlyEntity(t *testing.T) {
	c := New()
	c.Optimistic("Item", "tmp-1", types.Fields{"name": "n"})

	if _, ok := c.Confirmed("Item", "tmp-1"); ok {
		t.Error("optimistic-only entity reported as confirmed")
	}
	if got, ok := c.Get("Item", "tmp-1"); !ok || got["name"] != "n" {
		t.Errorf("Get = %v, %v; want the optimistic view", got, ok)
	}
	if keys := c.Keys(); !reflect.DeepEqual(keys, []string{"Item:tmp-1"}) {
		t.Errorf("Keys = %v", keys)
	}
	c.Delete("Item", "tmp-1")
	if _, ok := c.Get("Item", "tmp-1"); ok {
		t.Error("Delete left the optimistic layer behind")
	}
}
