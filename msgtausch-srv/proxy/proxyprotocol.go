package proxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// ProxyProtocolInfo carries the original client/destination addresses
// conveyed by a HAProxy PROXY protocol header, read before the HTTP codec
// sees any bytes on the connection.
type ProxyProtocolInfo struct {
	SourceIP        net.IP
	SourcePort      uint16
	DestinationIP   net.IP
	DestinationPort uint16
}

var proxyProtocolV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// ReadProxyProtocolHeader peeks at the start of a connection and, if it
// carries a v1 (text) or v2 (binary) PROXY protocol header, consumes and
// decodes it. If the connection does not start with either signature, info
// is nil and nothing is consumed beyond what bufio.Reader buffered.
func ReadProxyProtocolHeader(r *bufio.Reader) (*ProxyProtocolInfo, error) {
	peek, err := r.Peek(len(proxyProtocolV2Signature))
	if err == nil && string(peek) == string(proxyProtocolV2Signature) {
		return readProxyProtocolV2(r)
	}

	peek, err = r.Peek(5)
	if err == nil && string(peek) == "PROXY" {
		return readProxyProtocolV1(r)
	}

	return nil, nil
}

// readProxyProtocolV1 decodes the text header:
// "PROXY <TCP4|TCP6|UNKNOWN> <src> <dst> <srcport> <dstport>\r\n"
func readProxyProtocolV1(r *bufio.Reader) (*ProxyProtocolInfo, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("proxy protocol v1: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("proxy protocol v1: malformed header %q", line)
	}
	if fields[1] == "UNKNOWN" {
		return &ProxyProtocolInfo{}, nil
	}
	if len(fields) != 6 {
		return nil, fmt.Errorf("proxy protocol v1: malformed header %q", line)
	}

	srcIP := net.ParseIP(fields[2])
	dstIP := net.ParseIP(fields[3])
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("proxy protocol v1: invalid address in header %q", line)
	}
	srcPort, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("proxy protocol v1: invalid source port: %w", err)
	}
	dstPort, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("proxy protocol v1: invalid destination port: %w", err)
	}

	return &ProxyProtocolInfo{
		SourceIP:        srcIP,
		SourcePort:      uint16(srcPort),
		DestinationIP:   dstIP,
		DestinationPort: uint16(dstPort),
	}, nil
}

// readProxyProtocolV2 decodes the binary header: 12-byte signature, 1-byte
// ver/cmd, 1-byte family/proto, 2-byte big-endian length, then the address
// block. Only AF_INET (0x1) and AF_INET6 (0x2) with STREAM (0x1) are
// understood; other families are skipped (length bytes consumed, no
// addresses decoded).
func readProxyProtocolV2(r *bufio.Reader) (*ProxyProtocolInfo, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("proxy protocol v2: %w", err)
	}

	verCmd := header[12]
	if verCmd>>4 != 0x2 {
		return nil, fmt.Errorf("proxy protocol v2: unsupported version %d", verCmd>>4)
	}

	famProto := header[13]
	family := famProto >> 4
	length := binary.BigEndian.Uint16(header[14:16])

	addrBlock := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, addrBlock); err != nil {
			return nil, fmt.Errorf("proxy protocol v2: %w", err)
		}
	}

	info := &ProxyProtocolInfo{}
	switch family {
	case 0x1: // AF_INET
		if len(addrBlock) < 12 {
			return nil, fmt.Errorf("proxy protocol v2: short IPv4 address block")
		}
		info.SourceIP = net.IP(addrBlock[0:4])
		info.DestinationIP = net.IP(addrBlock[4:8])
		info.SourcePort = binary.BigEndian.Uint16(addrBlock[8:10])
		info.DestinationPort = binary.BigEndian.Uint16(addrBlock[10:12])
	case 0x2: // AF_INET6
		if len(addrBlock) < 36 {
			return nil, fmt.Errorf("proxy protocol v2: short IPv6 address block")
		}
		info.SourceIP = net.IP(addrBlock[0:16])
		info.DestinationIP = net.IP(addrBlock[16:32])
		info.SourcePort = binary.BigEndian.Uint16(addrBlock[32:34])
		info.DestinationPort = binary.BigEndian.Uint16(addrBlock[34:36])
	default:
		// LOCAL connection or unsupported family: no address info, header
		// has still been fully consumed above.
	}

	return info, nil
}

// WriteProxyProtocolV1 encodes a text PROXY protocol header for the given
// client/destination addresses and writes it to w, for use when dialing an
// upstream that itself expects PROXY protocol (sendProxyProtocol).
func WriteProxyProtocolV1(w io.Writer, src, dst *net.TCPAddr) error {
	family := "TCP4"
	if src.IP.To4() == nil {
		family = "TCP6"
	}
	_, err := fmt.Fprintf(w, "PROXY %s %s %s %d %d\r\n", family, src.IP.String(), dst.IP.String(), src.Port, dst.Port)
	return err
}

// proxyProtocolListener wraps a net.Listener so every accepted connection is
// checked for a leading PROXY protocol header before the HTTP codec (or the
// HTTPS interceptor's own byte-sniffing accept loop) reads anything from it.
type proxyProtocolListener struct {
	net.Listener
}

// NewProxyProtocolListener wraps l so ReadProxyProtocolHeader runs on every
// accepted connection before it is handed to the caller.
func NewProxyProtocolListener(l net.Listener) net.Listener {
	return &proxyProtocolListener{Listener: l}
}

func (l *proxyProtocolListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(conn, 256)
	info, err := ReadProxyProtocolHeader(br)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy protocol: %w", err)
	}

	return &proxyProtocolConn{Conn: conn, r: br, info: info}, nil
}

// proxyProtocolConn replays whatever the header decode buffered before
// falling through to the raw connection, and exposes the decoded source
// address (if any) for handlers that want the real client IP.
type proxyProtocolConn struct {
	net.Conn
	r    *bufio.Reader
	info *ProxyProtocolInfo
}

func (c *proxyProtocolConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// ProxyProtocolInfo returns the decoded header, or nil if the connection
// carried none.
func (c *proxyProtocolConn) ProxyProtocolInfo() *ProxyProtocolInfo {
	return c.info
}

// writeProxyProtocolHeader writes a v1 PROXY protocol header to conn
// identifying clientAddr ("ip:port") as the source and conn's own remote
// address as the destination, for upstreams that expect PROXY protocol
// themselves (sendProxyProtocol).
func writeProxyProtocolHeader(conn net.Conn, clientAddr string) error {
	src, err := net.ResolveTCPAddr("tcp", clientAddr)
	if err != nil {
		return fmt.Errorf("resolve client address %q: %w", clientAddr, err)
	}
	dst, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("destination address is not TCP: %v", conn.RemoteAddr())
	}
	return WriteProxyProtocolV1(conn, src, dst)
}
