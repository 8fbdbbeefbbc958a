package handlers_test

import (
	"os"
	"testing"

	"github.com/locallm/gateway/internal/config"
)

// TestMain initializes the process-global Settings Service once for every
// test in this package, the way main.go does at process start. auth_mode is
// forced to "none" here so tests don't need a real OIDC issuer.
func TestMain(m *testing.M) {
	if _, err := config.Init([]string{"-auth-mode", "none"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
