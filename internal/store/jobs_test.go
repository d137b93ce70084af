package store

import (
	"testing"
	"time"
)

func TestDatasetID(t *testing.T) {
	at := time.Date(2026, 2, 16, 13, 45, 0, 0, time.UTC)
	if got := DatasetID("default", at); got != "default_20260216_13" {
		t.Fatalf("unexpected dataset id: %s", got)
	}
	// Non-UTC inputs normalize to the UTC hour.
	loc := time.FixedZone("plus2", 2*3600)
	if got := DatasetID("emails", at.In(loc)); got != "emails_20260216_13" {
		t.Fatalf("unexpected dataset id for offset time: %s", got)
	}
}

func TestListFilterClampedLimit(t *testing.T) {
	cases := []struct {
		limit int
		want  int
	}{
		{0, 100},
		{-5, 100},
		{1, 1},
		{250, 250},
		{500, 500},
		{501, 500},
		{10000, 500},
	}
	for _, c := range cases {
		f := ListFilter{Limit: c.limit}
		if got := f.ClampedLimit(); got != c.want {
			t.Fatalf("limit %d: got %d want %d", c.limit, got, c.want)
		}
	}
}
