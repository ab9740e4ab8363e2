// -----------------------------------------------------------------------
// Crash Protection - Fatal panic reporting for post-mortem analysis
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// crashDir is where fatal crash reports are written
var crashDir = "./logs"

// InstallCrashHandler sets the crash report directory and makes sure it
// exists. Call it once during startup, paired with a deferred
// RecoverWithCrashFile in main.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		crashDir = logDir
	}
	if err := os.MkdirAll(crashDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to create crash directory %s: %v\n", crashDir, err)
	}
}

// RecoverWithCrashFile recovers a fatal panic, writes a crash report and
// exits non-zero. Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		writeCrashReport(r, currentStack())
		os.Exit(1)
	}
}

// writeCrashReport assembles the report and writes it with unbuffered
// file operations; buffered IO is not trusted mid-crash.
func writeCrashReport(panicVal interface{}, stack string) {
	path := filepath.Join(crashDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var b bytes.Buffer
	section := func(name string) {
		fmt.Fprintf(&b, "=== %s ===\n", name)
	}

	section("PERAGO CRASH REPORT")
	fmt.Fprintf(&b, "Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Version: %s\n\n", GetFullVersion())

	section("PANIC")
	fmt.Fprintf(&b, "%v\n\n", panicVal)

	section("STACK")
	b.WriteString(stack)
	b.WriteString("\n")

	section("ALL GOROUTINES")
	b.WriteString(allGoroutineStacks())
	b.WriteString("\n")

	section("RUNTIME")
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(&b, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "GOOS/GOARCH: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Alloc: %d MB\n", mem.Alloc/1024/1024)
	fmt.Fprintf(&b, "NumGC: %d\n", mem.NumGC)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to create crash file: %v\n%s", err, b.String())
		return
	}
	if _, err := file.Write(b.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to write crash file: %v\n%s", err, b.String())
	}
	file.Sync()
	file.Close()

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - report saved to %s !!!\nPanic: %v\n", path, panicVal)
}

// currentStack returns the panicking goroutine's stack
func currentStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// allGoroutineStacks dumps every goroutine, growing the buffer until the
// dump fits
func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
		if len(buf) > 64*1024*1024 {
			return string(buf[:runtime.Stack(buf, true)])
		}
	}
}
