package presto

import (
	"os"
	"testing"
)

var (
	// PrestoHostVar is environment variable holding the Presto host used for testing.
	PrestoHostVar = "TEST_PRESTO_HOST"
)

func setupPrestoTest(t *testing.T) string {
	prestoHost, exists := os.LookupEnv(PrestoHostVar)
	if !exists {
		t.Skipf("To test Presto, set the '%s' to the Presto instance to be used.", PrestoHostVar)
	}
	return prestoHost
}
