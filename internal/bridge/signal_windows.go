//go:build windows

package bridge

import "os"

func terminateSignal() os.Signal { return os.Interrupt }
