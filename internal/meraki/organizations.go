package meraki

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/leozw/client-counter/internal/core"
	"go.uber.org/zap"
)

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Network struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organizationId"`
	Name           string   `json:"name"`
	ProductTypes   []string `json:"productTypes"`
	TimeZone       string   `json:"timeZone"`
}

// Tracking methods reported by appliance networks.
const (
	TrackingMACAddress = "MAC address"
	TrackingIPAddress  = "IP address"
	TrackingUnknown    = "Unknown"
)

func (c *Client) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	rawURL := c.url("/organizations/" + url.PathEscape(orgID))
	if _, err := c.get(ctx, orgID, "/organizations/{id}", rawURL, &org); err != nil {
		return nil, core.NewRunError(err, orgID, "", zeroTime, zeroTime)
	}
	if org.ID == "" {
		org.ID = orgID
	}
	return &org, nil
}

func (c *Client) ListNetworks(ctx context.Context, orgID string) ([]Network, error) {
	var networks []Network
	rawURL := c.url("/organizations/" + url.PathEscape(orgID) + "/networks")
	if _, err := c.get(ctx, orgID, "/organizations/{id}/networks", rawURL, &networks); err != nil {
		return nil, core.NewRunError(err, orgID, "", zeroTime, zeroTime)
	}
	return networks, nil
}

// ClientTrackingMethod returns how the organization's appliances identify
// clients. Only networks with an appliance carry the setting; the first one
// found wins. Networks that do not expose it are skipped.
func (c *Client) ClientTrackingMethod(ctx context.Context, orgID string) (string, error) {
	networks, err := c.ListNetworks(ctx, orgID)
	if err != nil {
		return TrackingUnknown, err
	}

	for _, n := range networks {
		if !hasProduct(n, "appliance") {
			continue
		}
		var settings struct {
			ClientTrackingMethod string `json:"clientTrackingMethod"`
		}
		rawURL := c.url("/networks/" + url.PathEscape(n.ID) + "/appliance/settings")
		if _, err := c.get(ctx, orgID, "/networks/{id}/appliance/settings", rawURL, &settings); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return TrackingUnknown, core.NewRunError(fmt.Errorf("tracking method: %w", err), orgID, n.ID, zeroTime, zeroTime)
		}
		if settings.ClientTrackingMethod != "" {
			c.logger.Debug("Client tracking method",
				zap.String("network_id", n.ID),
				zap.String("method", settings.ClientTrackingMethod))
			return settings.ClientTrackingMethod, nil
		}
	}
	return TrackingUnknown, nil
}

func hasProduct(n Network, product string) bool {
	if len(n.ProductTypes) == 0 {
		return true
	}
	for _, p := range n.ProductTypes {
		if p == product {
			return true
		}
	}
	return false
}
