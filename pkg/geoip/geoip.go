// Package geoip resolves the coarse location signal used by the
// UNUSUAL_LOCATION rule.
//
// The engine treats geolocation as an external signal provider: a request can
// carry its own geo-tag, and only when it does not is the MaxMind database
// consulted here. The tag is the ISO 3166-1 country code ("US", "TR").
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnknownLocation is returned when the database has no country for an IP.
var ErrUnknownLocation = errors.New("geoip: no location for address")

// Service wraps a MaxMind City (or Country) database reader.
type Service struct {
	cityReader *geoip2.Reader
}

// NewService opens the .mmdb file at cityDBPath.
func NewService(cityDBPath string) (*Service, error) {
	cityReader, err := geoip2.Open(cityDBPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: open city database: %w", err)
	}
	return &Service{cityReader: cityReader}, nil
}

// Close releases the database.
func (s *Service) Close() {
	if s.cityReader != nil {
		s.cityReader.Close()
	}
}

// GeoTag returns the country ISO code for ipAddress.
func (s *Service) GeoTag(ipAddress string) (string, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return "", fmt.Errorf("geoip: invalid ip address %q", ipAddress)
	}

	record, err := s.cityReader.Country(ip)
	if err != nil {
		return "", err
	}
	if record.Country.IsoCode == "" {
		return "", ErrUnknownLocation
	}
	return record.Country.IsoCode, nil
}

// MaskIP masks an address to its /24 (IPv4) or /64 (IPv6) prefix. Logs use
// the masked form so raw client addresses stay out of log files.
func MaskIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	if ipv4 := ip.To4(); ipv4 != nil {
		return ipv4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
