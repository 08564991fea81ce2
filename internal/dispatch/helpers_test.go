package dispatch

import (
	"testing"

	logx "delayd/pkg/logx"
)

func testLogger(t *testing.T) logx.Logger {
	t.Helper()
	if testing.Verbose() {
		return logx.NewConsole("debug")
	}
	return logx.Nop()
}
