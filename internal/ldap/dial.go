package ldap

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// TransportMode selects how the initial TCP connection is secured, mirroring
// spec.md §3's Connection "transport mode {plain, TLS, STARTTLS}".
type TransportMode int

const (
	TransportPlain TransportMode = iota
	TransportTLS
	TransportStartTLS
)

func (m TransportMode) String() string {
	switch m {
	case TransportTLS:
		return "tls"
	case TransportStartTLS:
		return "starttls"
	default:
		return "plain"
	}
}

// DialOptions configures Dial. Endpoint is a "host:port" pair; TLSConfig is
// required for TransportTLS and TransportStartTLS (the caller decides
// verification policy — this package never defaults to InsecureSkipVerify).
type DialOptions struct {
	Endpoint  string
	Mode      TransportMode
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// ErrTLSNotEnabled is returned when a TLS-requiring mode is requested but no
// TLS configuration was supplied — the coarse-result mapping in
// internal/winsync turns this into TLS_NOT_ENABLED (spec.md §4.A).
var ErrTLSNotEnabled = fmt.Errorf("ldap: TLS requested but no TLS configuration available")

// Dial opens a *ldap.Conn for the requested transport mode. It does not bind;
// callers authenticate separately via Bind (see bind.go) so the capability
// probe and the agreement's mechanism selection stay in one place.
func Dial(opts DialOptions) (*ldap.Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}

	switch opts.Mode {
	case TransportTLS:
		if opts.TLSConfig == nil {
			return nil, ErrTLSNotEnabled
		}

		conn, err := ldap.DialURL("ldaps://"+opts.Endpoint,
			ldap.DialWithDialer(dialer),
			ldap.DialWithTLSConfig(opts.TLSConfig))
		if err != nil {
			return nil, fmt.Errorf("ldap: dial %s over TLS: %w", opts.Endpoint, err)
		}

		return conn, nil

	case TransportStartTLS:
		if opts.TLSConfig == nil {
			return nil, ErrTLSNotEnabled
		}

		conn, err := ldap.DialURL("ldap://"+opts.Endpoint, ldap.DialWithDialer(dialer))
		if err != nil {
			return nil, fmt.Errorf("ldap: dial %s: %w", opts.Endpoint, err)
		}

		if err := conn.StartTLS(opts.TLSConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ldap: starttls %s: %w", opts.Endpoint, err)
		}

		return conn, nil

	default:
		conn, err := ldap.DialURL("ldap://"+opts.Endpoint, ldap.DialWithDialer(dialer))
		if err != nil {
			return nil, fmt.Errorf("ldap: dial %s: %w", opts.Endpoint, err)
		}

		return conn, nil
	}
}
