// Package usbfs is the pure-Go transport backend talking to Linux usbfs.
// Importing it registers the "usbfs" backend on Linux.
package usbfs
