// Package haproxy renders the per-namespace frontend/backend pair that lbsync
// installs. The directives are emitted as opaque text; nothing here parses
// HAProxy syntax.
package haproxy

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// AddressType selects which frontend interface the bind directive uses.
type AddressType string

const (
	// AddressManagement binds on the API server frontend interface.
	AddressManagement AddressType = "management"
	// AddressBusiness binds on the ingress (traefik) frontend interface.
	AddressBusiness AddressType = "business"
)

// DefaultBackendPort is used when no backend port is given.
const DefaultBackendPort = 80

// interfacePlaceholders are left for the downstream template stage that
// renders the haproxy ConfigMap on each node.
var interfacePlaceholders = map[AddressType]string{
	AddressManagement: "{{.ApisvrFrontIF}}",
	AddressBusiness:   "{{.TraefikFrontIF}}",
}

var namespacePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ParseAddressType validates s. An empty string means AddressManagement.
func ParseAddressType(s string) (AddressType, error) {
	switch t := AddressType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return AddressManagement, nil
	case AddressManagement, AddressBusiness:
		return t, nil
	default:
		return "", fmt.Errorf("unknown address type %q (expected %q or %q)", s, AddressManagement, AddressBusiness)
	}
}

// Endpoint is an IP address and port.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) validate(field string) error {
	if _, err := netip.ParseAddr(e.Host); err != nil {
		return fmt.Errorf("%s address %q is not an IP address", field, e.Host)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%s port %d out of range 1-65535", field, e.Port)
	}
	return nil
}

// BlockSpec is the content a caller wants installed for one namespace.
type BlockSpec struct {
	Namespace   string
	Frontend    Endpoint
	Backend     Endpoint
	AddressType AddressType
}

// Validate checks every field of s.
func (s BlockSpec) Validate() error {
	if !namespacePattern.MatchString(s.Namespace) || len(s.Namespace) > 63 {
		return fmt.Errorf("namespace %q must be a DNS-1123 label", s.Namespace)
	}
	if err := s.Frontend.validate("frontend"); err != nil {
		return err
	}
	if err := s.Backend.validate("backend"); err != nil {
		return err
	}
	if _, ok := interfacePlaceholders[s.AddressType]; !ok {
		return fmt.Errorf("unknown address type %q", s.AddressType)
	}
	return nil
}

// Render returns the block body for s. s must be valid.
func Render(s BlockSpec) []string {
	frontend := s.Namespace + "_datamate_frontend"
	backend := s.Namespace + "_datamate_backend"
	return []string{
		"frontend " + frontend,
		fmt.Sprintf("    bind %s interface %s", s.Frontend, interfacePlaceholders[s.AddressType]),
		"    default_backend   " + backend,
		"    maxconn {{.ApisvrFrontMaxConn}}",
		"    mode tcp",
		"",
		"backend " + backend,
		"    default-server inter 2s downinter 5s rise 2 fall 2 slowstart 60s maxconn 2000 maxqueue 200 weight 100",
		"    balance   roundrobin",
		fmt.Sprintf("    server app0 %s", s.Backend),
		"    mode tcp",
	}
}
