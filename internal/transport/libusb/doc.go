// Package libusb is the cgo transport backend built on libusb-1.0 through
// gousb. Importing it registers the "libusb" backend when built with cgo and
// the libusb tag; otherwise the package is empty.
package libusb
