// Package conformance provides conformance tests for the missions service.
package conformance

import (
	"testing"
)

// TestConformance runs the full conformance test suite.
func TestConformance(t *testing.T) {
	harness, err := NewHarness(Config{
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	t.Run("Conformance", func(t *testing.T) {
		harness.RunConformanceTests(t)
	})
}
