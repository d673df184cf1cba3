package util

import (
	"reflect"
	"testing"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v, want [3 4 5]", got)
	}
	if got := r.Newest(2); !reflect.DeepEqual(got, []int{5, 4}) {
		t.Fatalf("newest(2) = %v, want [5 4]", got)
	}
	if got := r.Newest(10); len(got) != 3 {
		t.Fatalf("newest(10) len = %d, want 3", len(got))
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
}

func TestValidateUserID(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"u1", "u1", false},
		{"  alice ", "alice", false},
		{"", "", true},
		{"a/b", "", true},
		{"a b", "", true},
		{"..", "", true},
	}
	for _, c := range cases {
		got, err := ValidateUserID(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("ValidateUserID(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if got != c.want {
			t.Fatalf("ValidateUserID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
