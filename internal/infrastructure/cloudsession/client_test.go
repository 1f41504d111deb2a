package cloudsession

import (
	"context"
	"testing"
)

func TestDial_SucceedsWithoutConnectingEagerly(t *testing.T) {
	client, err := Dial("localhost:0", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
}

func TestGRPCClient_RequestSessionReportsUnimplemented(t *testing.T) {
	client, err := Dial("localhost:0", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if _, err := client.RequestSession(context.Background(), "buy the cheapest widget"); err == nil {
		t.Fatal("expected RequestSession to report the provisioning API is not implemented")
	}
}

func TestGRPCClient_CloseIsSafeToCallOnce(t *testing.T) {
	client, err := Dial("localhost:0", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
