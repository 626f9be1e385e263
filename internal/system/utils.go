package system

import "os"

// SystemDrive returns the drive letter backing the running OS ("C", etc).
func SystemDrive() string {
	windir := os.Getenv("WINDIR")
	if len(windir) < 2 || windir[1] != ':' {
		return "C"
	}
	return string(windir[0])
}

// SystemRoot returns the boot volume root path ("C:\").
func SystemRoot() string {
	return SystemDrive() + `:\`
}

// WindowsDir returns the OS installation directory ("C:\Windows").
func WindowsDir() string {
	if windir := os.Getenv("WINDIR"); windir != "" {
		return windir
	}
	return `C:\Windows`
}
