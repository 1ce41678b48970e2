// Package testing switches binaries into test mode so smoke tests can call
// their main functions without backing services.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("BANF_TEST_MODE", "1")
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be assigned from a package's own TestMain.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
