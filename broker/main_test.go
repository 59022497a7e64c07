package broker

import (
	"os"
	"testing"

	sentinel "github.com/alibaba/sentinel-golang/api"
	sconfig "github.com/alibaba/sentinel-golang/core/config"
)

// TestMain initializes the sentinel global state once, the same way
// cmd/brokerd does via sentinel.InitWithConfig, so Entry() calls in the
// Delivery Engine's send path don't operate on an uninitialized slot
// chain during tests.
func TestMain(m *testing.M) {
	_ = sentinel.InitWithConfig(sconfig.NewDefaultConfig())
	os.Exit(m.Run())
}
