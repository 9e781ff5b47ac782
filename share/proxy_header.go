package chshare

import (
	"net"
	"net/http"
	"strings"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/tomasen/realip"
)

// originatingClientAddr determines the address of the client that originally
// connected to whatever forwarded the WebSocket request, using the value of
// headerName. The first public address in the header wins; otherwise the first
// parseable address; otherwise the peer address of the connection.
func originatingClientAddr(req *http.Request, headerName string, remote net.Addr) net.Addr {
	value := req.Header.Get(headerName)
	if value == "" {
		return remote
	}

	probe := &http.Request{
		Header:     http.Header{},
		RemoteAddr: remote.String(),
	}
	probe.Header.Set("X-Forwarded-For", value)
	if ip := net.ParseIP(realip.FromRequest(probe)); ip != nil {
		return &net.TCPAddr{IP: ip}
	}

	for _, candidate := range strings.Split(value, ",") {
		if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
			return &net.TCPAddr{IP: ip}
		}
	}
	return remote
}

// writeProxyHeader sends a PROXY protocol v1 header to the TCP destination
// announcing that the stream originates from client and was addressed to
// bridgeAddr. v1 cannot describe a client and bridge address of different IP
// families, so that case is sent as "PROXY UNKNOWN".
func writeProxyHeader(tcp *TCPConn, client net.Addr, bridgeAddr net.Addr) error {
	header := proxyproto.HeaderProxyFromAddrs(1, client, bridgeAddr)
	if !sameIPFamily(client, bridgeAddr) {
		header.Command = proxyproto.LOCAL
		header.TransportProtocol = proxyproto.UNSPEC
	}
	_, err := header.WriteTo(tcp.NetConn())
	return err
}

// sameIPFamily reports whether a and b are TCP addresses that are both IPv4
// (including IPv4-mapped IPv6) or both IPv6
func sameIPFamily(a net.Addr, b net.Addr) bool {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return false
	}
	tb, ok := b.(*net.TCPAddr)
	if !ok {
		return false
	}
	return (ta.IP.To4() != nil) == (tb.IP.To4() != nil)
}
