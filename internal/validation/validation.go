// Package validation checks user supplied addresses, names and paths before
// they reach a listener or a producer.
package validation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"unicode"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrInvalidAddr   = errors.New("invalid address")
	ErrInvalidName   = errors.New("invalid name")
	ErrOutOfRange    = errors.New("value out of range")
)

// ValidateFilePath rejects empty paths and, with mustExist, missing ones.
func ValidateFilePath(p string, mustExist bool) error {
	if strings.TrimSpace(p) == "" {
		return ErrInvalidPath
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

// ValidateAddr accepts host:port addresses a UDP socket can bind or dial.
// The host may be empty.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	if port == "" {
		return fmt.Errorf("%w: %s has no port", ErrInvalidAddr, addr)
	}
	if strings.ContainsFunc(host, unicode.IsSpace) {
		return fmt.Errorf("%w: %q", ErrInvalidAddr, host)
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateName accepts absolute name URIs like /video/seg-1. Components may
// not be empty or contain control characters.
func ValidateName(uri string) error {
	if !strings.HasPrefix(uri, "/") {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidName, uri)
	}
	if uri == "/" {
		return nil
	}
	for _, comp := range strings.Split(strings.TrimSuffix(uri[1:], "/"), "/") {
		if comp == "" {
			return fmt.Errorf("%w: %q has an empty component", ErrInvalidName, uri)
		}
		if strings.ContainsFunc(comp, unicode.IsControl) {
			return fmt.Errorf("%w: %q has a control character", ErrInvalidName, uri)
		}
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
