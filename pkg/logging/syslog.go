// Package logging forwards gpunetd's structured log records to remote
// syslog collectors.
package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/psaab/gpunetio/pkg/config"
)

// Severity is an RFC 3164 severity. Lower is more severe.
type Severity int

const (
	SeverityError   Severity = 3
	SeverityWarning Severity = 4
	SeverityInfo    Severity = 6
	SeverityDebug   Severity = 7
)

// facilityDaemon is the syslog "daemon" facility.
const facilityDaemon = 3

// DefaultSyslogPort is used when a host omits its port.
const DefaultSyslogPort = 514

const tag = "gpunetd"

// SyslogClient sends RFC 3164 messages over UDP.
type SyslogClient struct {
	conn     net.Conn
	addr     string
	hostname string
	// MinSeverity drops messages less severe than it. 0 sends everything.
	MinSeverity Severity
}

// NewSyslogClient dials host:port. Dialing UDP does not contact the peer,
// so an unreachable collector only shows up as lost messages.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	if port == 0 {
		port = DefaultSyslogPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = tag
	}
	return &SyslogClient{conn: conn, addr: addr, hostname: hostname}, nil
}

// Addr returns the collector address.
func (s *SyslogClient) Addr() string { return s.addr }

// Send writes one message.
func (s *SyslogClient) Send(sev Severity, msg string) error {
	_, err := s.conn.Write([]byte(s.format(time.Now(), sev, msg)))
	return err
}

func (s *SyslogClient) format(ts time.Time, sev Severity, msg string) string {
	pri := facilityDaemon*8 + int(sev)
	return fmt.Sprintf("<%d>%s %s %s[%d]: %s", pri, ts.Format(time.Stamp), s.hostname, tag, os.Getpid(), msg)
}

// ShouldSend reports whether sev passes the client's filter.
func (s *SyslogClient) ShouldSend(sev Severity) bool {
	return s.MinSeverity == 0 || sev <= s.MinSeverity
}

// Close closes the connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

// ParseSeverity maps a severity name to its value; unknown names give 0.
func ParseSeverity(name string) Severity {
	switch name {
	case "error":
		return SeverityError
	case "warning":
		return SeverityWarning
	case "info":
		return SeverityInfo
	case "debug":
		return SeverityDebug
	default:
		return 0
	}
}

// ClientsFromConfig dials every configured syslog host. Hosts that fail
// are reported in the returned error; the others are still returned.
func ClientsFromConfig(hosts []*config.SyslogHost) ([]*SyslogClient, error) {
	var (
		clients []*SyslogClient
		errs    []error
	)
	for _, h := range hosts {
		c, err := NewSyslogClient(h.Address, h.Port)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.MinSeverity = ParseSeverity(h.Severity)
		clients = append(clients, c)
	}
	if len(errs) > 0 {
		return clients, fmt.Errorf("syslog: %d of %d hosts failed: %w", len(errs), len(hosts), errs[0])
	}
	return clients, nil
}
