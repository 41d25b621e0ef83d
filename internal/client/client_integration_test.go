//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestFunvisisClient_Fetch_Integration(t *testing.T) {
	feedURL := os.Getenv("FUNVISIS_URL")
	if feedURL == "" {
		t.Skip("FUNVISIS_URL not set, skipping integration test")
	}

	c, err := NewFunvisisClient(feedURL, 20*time.Second, "")
	if err != nil {
		t.Fatalf("NewFunvisisClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	features, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(features) == 0 {
		t.Fatal("Fetch() returned no features")
	}
	for i, f := range features {
		if f.Properties.PostalCode == "" || f.Properties.City == "" {
			t.Errorf("feature %d missing date/time: %+v", i, f.Properties)
		}
	}
}
