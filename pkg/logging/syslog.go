// Package logging forwards daemon log records to remote syslog collectors.
package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

const syslogTag = "flowcounterd"

// SyslogClient sends RFC 3164 messages over UDP, or over TCP with
// octet-counted framing (RFC 6587).
type SyslogClient struct {
	network  string
	addr     string
	hostname string

	Facility    int
	MinSeverity int // 0 = no filter, else only this severity and more urgent

	mu   sync.Mutex
	conn net.Conn
}

// NewSyslogClient dials addr (host:port). network is "udp" (default) or
// "tcp".
func NewSyslogClient(network, addr string) (*SyslogClient, error) {
	if network == "" {
		network = "udp"
	}
	if network != "udp" && network != "tcp" {
		return nil, fmt.Errorf("syslog %s: unsupported protocol %q", addr, network)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "flowcounter"
	}
	c := &SyslogClient{
		network:  network,
		addr:     addr,
		hostname: hostname,
		Facility: FacilityLocal0,
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SyslogClient) dial() error {
	conn, err := net.DialTimeout(c.network, c.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial syslog %s/%s: %w", c.network, c.addr, err)
	}
	c.conn = conn
	return nil
}

// Format renders one message without transport framing.
func (c *SyslogClient) Format(severity int, msg string, now time.Time) string {
	priority := c.Facility*8 + severity
	return fmt.Sprintf("<%d>%s %s %s: %s", priority, now.Format(time.Stamp), c.hostname, syslogTag, msg)
}

// Send delivers msg at severity. A TCP client redials once if the
// connection was lost.
func (c *SyslogClient) Send(severity int, msg string) error {
	line := c.Format(severity, msg, time.Now())
	if c.network == "tcp" {
		line = fmt.Sprintf("%d %s", len(line), line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.dial(); err != nil {
			return err
		}
	}
	_, err := c.conn.Write([]byte(line))
	if err != nil && c.network == "tcp" {
		c.conn.Close()
		c.conn = nil
		if derr := c.dial(); derr != nil {
			return fmt.Errorf("syslog write: %w", err)
		}
		_, err = c.conn.Write([]byte(line))
	}
	return err
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more urgent.
func (c *SyslogClient) ShouldSend(severity int) bool {
	return c.MinSeverity == 0 || severity <= c.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value. Unknown
// names return 0 (no filter).
func ParseSeverity(name string) int {
	switch strings.ToLower(name) {
	case "error":
		return SyslogError
	case "warning", "warn":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	default:
		return 0
	}
}

// ParseFacility converts a facility name; unknown names map to local0.
func ParseFacility(name string) int {
	switch strings.ToLower(name) {
	case "user":
		return FacilityUser
	case "daemon":
		return FacilityDaemon
	}
	if n, ok := strings.CutPrefix(strings.ToLower(name), "local"); ok && len(n) == 1 && n[0] >= '0' && n[0] <= '7' {
		return FacilityLocal0 + int(n[0]-'0')
	}
	return FacilityLocal0
}

// Close closes the connection.
func (c *SyslogClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
