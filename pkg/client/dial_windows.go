//go:build windows

package client

import (
	"context"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

func dial(ctx context.Context, address string) (net.Conn, error) {
	if strings.HasPrefix(address, `\\.\pipe\`) {
		return winio.DialPipeContext(ctx, address)
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
}
