package core

import (
	"fmt"
	"strings"
	"time"
)

type ConnectionType string

const (
	ConnectionWired    ConnectionType = "WIRED"
	ConnectionWireless ConnectionType = "WIRELESS"
	ConnectionUnknown  ConnectionType = "UNKNOWN"
)

// ParseConnectionType maps the dashboard's recentDeviceConnection values
// ("Wired", "Wireless") and our own stored values onto ConnectionType.
func ParseConnectionType(raw string) ConnectionType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WIRED":
		return ConnectionWired
	case "WIRELESS":
		return ConnectionWireless
	default:
		return ConnectionUnknown
	}
}

// Observation is one client sighting reported for one fetch window.
type Observation struct {
	Address        string         `json:"address" db:"address"`
	IPAddress      *string        `json:"ip_address,omitempty" db:"ip_address"`
	ConnectionType ConnectionType `json:"connection_type" db:"connection_type"`
	FirstSeen      time.Time      `json:"first_seen" db:"-"`
	LastSeen       time.Time      `json:"last_seen" db:"-"`
	NetworkID      string         `json:"network_id" db:"network_id"`
	NetworkName    string         `json:"network_name,omitempty" db:"network_name"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`

	Description  *string `json:"description,omitempty" db:"description"`
	Manufacturer *string `json:"manufacturer,omitempty" db:"manufacturer"`
	SSID         *string `json:"ssid,omitempty" db:"ssid"`
	VLAN         *string `json:"vlan,omitempty" db:"vlan"`
}

// Validate reports whether the observation can be stored.
func (o Observation) Validate() error {
	if o.Address == "" {
		return fmt.Errorf("observation has no address")
	}
	if o.NetworkID == "" {
		return fmt.Errorf("observation %s has no network id", o.Address)
	}
	if o.LastSeen.IsZero() {
		return fmt.Errorf("observation %s has no last_seen", o.Address)
	}
	if o.FirstSeen.After(o.LastSeen) {
		return fmt.Errorf("observation %s: first_seen %s after last_seen %s",
			o.Address, o.FirstSeen.Format(time.RFC3339), o.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// Normalize canonicalizes the address, forces UTC timestamps and clamps
// FirstSeen to LastSeen. It returns true when the timestamps had to be clamped.
func (o *Observation) Normalize() bool {
	o.Address = CanonicalMAC(o.Address)
	o.FirstSeen = o.FirstSeen.UTC()
	o.LastSeen = o.LastSeen.UTC()
	if o.FirstSeen.IsZero() {
		o.FirstSeen = o.LastSeen
	}
	if o.ConnectionType == "" {
		o.ConnectionType = ConnectionUnknown
	}
	if o.IPAddress != nil && strings.TrimSpace(*o.IPAddress) == "" {
		o.IPAddress = nil
	}
	if o.FirstSeen.After(o.LastSeen) {
		o.FirstSeen = o.LastSeen
		return true
	}
	return false
}

// DedupKey identifies an observation for idempotent ingestion.
func (o Observation) DedupKey() string {
	return o.Address + "|" + o.NetworkID + "|" + o.LastSeen.UTC().Format(time.RFC3339Nano)
}

// CanonicalMAC upper-cases a MAC address and normalizes '-' separators to ':'.
func CanonicalMAC(raw string) string {
	mac := strings.ToUpper(strings.TrimSpace(raw))
	return strings.ReplaceAll(mac, "-", ":")
}
