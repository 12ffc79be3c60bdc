package auth

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/charmbracelet/log"
)

// OpenBrowser opens the default web browser to the specified URL.
// It automatically detects the operating system and uses the appropriate
// command to launch the browser (xdg-open on Linux, rundll32 on Windows,
// open on macOS). Returns an error if the platform is unsupported or if
// the browser fails to launch.
func OpenBrowser(url string) error {
	var err error

	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}

	return err
}

// TryOpenBrowser attempts to open the default web browser to the specified URL.
// Failure is non-fatal: users can still copy/paste the URL, so it is only
// logged at debug level rather than surfaced as an error.
func TryOpenBrowser(url string) {
	if err := OpenBrowser(url); err != nil {
		log.Debug("auth: could not launch browser, falling back to manual URL", "err", err)
	}
}
