package iterator

import (
	"errors"
	"testing"

	"layerdb/pkg/record"
)

func items(pairs ...string) []Item {
	var out []Item
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Item{Key: []byte(pairs[i]), Value: record.WithString(pairs[i+1])})
	}
	return out
}

func render(t *testing.T, it Iterator) []string {
	t.Helper()
	got, err := Collect(it)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	var out []string
	for _, item := range got {
		out = append(out, string(item.Key)+"="+string(item.Value.Payload))
	}
	return out
}

func equal(a, b []string) bool {
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

func TestMergeForwardPriority(t *testing.T) {
	newest := FromSlice(items("b", "new-b", "d", "new-d"))
	oldest := FromSlice(items("a", "old-a", "b", "old-b", "c", "old-c", "d", "old-d", "e", "old-e"))

	got := render(t, Merge(Forward, newest, oldest))
	want := []string{"a=old-a", "b=new-b", "c=old-c", "d=new-d", "e=old-e"}
	if !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergeBackward(t *testing.T) {
	newest := FromSlice(items("d", "new-d", "b", "new-b"))
	oldest := FromSlice(items("e", "old-e", "d", "old-d", "a", "old-a"))

	got := render(t, Merge(Backward, newest, oldest))
	want := []string{"e=old-e", "d=new-d", "b=new-b", "a=old-a"}
	if !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergeEmptySources(t *testing.T) {
	if got := render(t, Merge(Forward)); len(got) != 0 {
		t.Fatalf("expected nothing, got %v", got)
	}
	if got := render(t, Merge(Forward, FromSlice(nil), FromSlice(items("x", "1")))); !equal(got, []string{"x=1"}) {
		t.Fatalf("got %v", got)
	}
}

func TestMergePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Collect(Merge(Forward, FromSlice(items("a", "1")), Error(boom)))
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestFilter(t *testing.T) {
	src := FromSlice(items("a", "keep", "b", "drop", "c", "keep"))
	got := render(t, Filter(src, func(_ []byte, v record.Update) bool {
		return string(v.Payload) == "keep"
	}))
	if !equal(got, []string{"a=keep", "c=keep"}) {
		t.Fatalf("got %v", got)
	}
}
