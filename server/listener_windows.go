//go:build windows

package main

import (
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/haasonsaas/warden/pkg/config"
)

// defaultPipeSDDL grants SYSTEM and Administrators full access.
const defaultPipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)"

func listen(cfg config.ListenConfig) (net.Listener, error) {
	sddl := cfg.PipeSDDL
	if sddl == "" {
		sddl = defaultPipeSDDL
	}
	return winio.ListenPipe(cfg.Socket, &winio.PipeConfig{
		SecurityDescriptor: sddl,
		InputBufferSize:    64 << 10,
		OutputBufferSize:   64 << 10,
	})
}
