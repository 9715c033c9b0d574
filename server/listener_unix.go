//go:build !windows

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/haasonsaas/warden/pkg/config"
)

// listen binds the unix socket, replacing one left by a previous run.
func listen(cfg config.ListenConfig) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o750); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(cfg.Socket, os.FileMode(cfg.SocketMode)); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}
