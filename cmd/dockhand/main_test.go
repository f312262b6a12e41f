package main

import (
	"os"
	"testing"
)

func TestServerFlagDefaultMatchesServeListener(t *testing.T) {
	if os.Getenv("DOCKHAND_SERVER") != "" {
		t.Skip("DOCKHAND_SERVER overrides the flag default")
	}
	f := rootCmd.PersistentFlags().Lookup("server")
	if f == nil {
		t.Fatal("server flag not registered")
	}
	// serve listens on :8090 unless configured otherwise; status must
	// point at the same port out of the box.
	if f.DefValue != "http://localhost:8090" {
		t.Errorf("default server URL = %q, want http://localhost:8090", f.DefValue)
	}
}
