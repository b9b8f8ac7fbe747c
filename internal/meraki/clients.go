package meraki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/leozw/client-counter/internal/core"
	"go.uber.org/zap"
)

// MaxWindow is the widest time span the clients endpoint accepts in one call.
const MaxWindow = 31 * 24 * time.Hour

var zeroTime time.Time

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// SplitWindow cuts [start, end) into consecutive windows no wider than limit.
func SplitWindow(start, end time.Time, limit time.Duration) []Window {
	if !end.After(start) {
		return nil
	}
	if limit <= 0 {
		return []Window{{Start: start, End: end}}
	}
	var out []Window
	for cur := start; cur.Before(end); {
		next := cur.Add(limit)
		if next.After(end) {
			next = end
		}
		out = append(out, Window{Start: cur, End: next})
		cur = next
	}
	return out
}

// FetchClients yields the organization's client observations seen in
// [start, end), one page at a time, network by network. Windows wider than
// MaxWindow are split into sequential requests. The sequence is lazy and can be
// ranged over more than once; each pass issues fresh requests. Iteration stops
// after the first error, which is always a *core.RunError.
func (c *Client) FetchClients(ctx context.Context, orgID string, start, end time.Time) iter.Seq2[[]core.Observation, error] {
	return func(yield func([]core.Observation, error) bool) {
		networks, err := c.ListNetworks(ctx, orgID)
		if err != nil {
			yield(nil, core.NewRunError(err, orgID, "", start, end))
			return
		}
		if len(networks) == 0 {
			c.logger.Warn("No networks found in organization", zap.String("organization_id", orgID))
			return
		}
		c.logger.Info("Fetching clients",
			zap.String("organization_id", orgID),
			zap.Int("networks", len(networks)),
			zap.Time("start", start),
			zap.Time("end", end),
		)

		for _, network := range networks {
			for _, w := range SplitWindow(start, end, MaxWindow) {
				if !c.fetchNetworkWindow(ctx, orgID, network, w, yield) {
					return
				}
			}
		}
	}
}

// fetchNetworkWindow pages through one network's clients for w. It returns
// false when iteration must stop.
func (c *Client) fetchNetworkWindow(ctx context.Context, orgID string, network Network, w Window, yield func([]core.Observation, error) bool) bool {
	params := url.Values{}
	params.Set("t0", strconv.FormatInt(w.Start.Unix(), 10))
	params.Set("timespan", strconv.FormatInt(int64(w.End.Sub(w.Start)/time.Second), 10))
	params.Set("perPage", strconv.Itoa(c.perPage))
	next := c.url("/networks/"+url.PathEscape(network.ID)+"/clients") + "?" + params.Encode()

	seen := make(map[string]struct{})
	for page := 1; next != ""; page++ {
		if _, dup := seen[next]; dup {
			c.logger.Warn("Pagination cursor repeated, stopping",
				zap.String("network_id", network.ID),
				zap.Int("page", page))
			return true
		}
		seen[next] = struct{}{}

		var records []clientRecord
		header, err := c.get(ctx, orgID, "/networks/{id}/clients", next, &records)
		if err != nil {
			return yield(nil, core.NewRunError(err, orgID, network.ID, w.Start, w.End))
		}

		observations := make([]core.Observation, 0, len(records))
		for _, r := range records {
			obs, ok := r.observation(orgID, network)
			if !ok {
				continue
			}
			observations = append(observations, obs)
		}
		c.logger.Debug("Fetched clients page",
			zap.String("network_id", network.ID),
			zap.Int("page", page),
			zap.Int("records", len(records)))

		if len(observations) > 0 && !yield(observations, nil) {
			return false
		}

		next = nextLink(header)
		if next == "" && len(records) >= c.perPage {
			cursor := records[len(records)-1].cursor()
			if cursor != "" {
				p := url.Values{}
				for k, v := range params {
					p[k] = v
				}
				p.Set("startingAfter", cursor)
				next = c.url("/networks/"+url.PathEscape(network.ID)+"/clients") + "?" + p.Encode()
			}
		}
	}
	return true
}

// nextLink extracts the rel=next target of an RFC 8288 Link header.
func nextLink(h http.Header) string {
	for _, value := range h.Values("Link") {
		for _, part := range strings.Split(value, ",") {
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range segments[1:] {
				param = strings.ReplaceAll(strings.TrimSpace(param), `"`, "")
				if strings.EqualFold(param, "rel=next") {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}

type clientRecord struct {
	ID                     string     `json:"id"`
	MAC                    string     `json:"mac"`
	IP                     *string    `json:"ip"`
	Description            *string    `json:"description"`
	Manufacturer           *string    `json:"manufacturer"`
	SSID                   *string    `json:"ssid"`
	VLAN                   flexString `json:"vlan"`
	RecentDeviceConnection string     `json:"recentDeviceConnection"`
	FirstSeen              flexTime   `json:"firstSeen"`
	LastSeen               flexTime   `json:"lastSeen"`
}

func (r clientRecord) cursor() string {
	if r.ID != "" {
		return r.ID
	}
	return r.MAC
}

func (r clientRecord) observation(orgID string, network Network) (core.Observation, bool) {
	if r.MAC == "" || r.LastSeen.IsZero() {
		return core.Observation{}, false
	}
	obs := core.Observation{
		Address:        r.MAC,
		IPAddress:      r.IP,
		ConnectionType: core.ParseConnectionType(r.RecentDeviceConnection),
		FirstSeen:      r.FirstSeen.Time,
		LastSeen:       r.LastSeen.Time,
		NetworkID:      network.ID,
		NetworkName:    network.Name,
		OrganizationID: orgID,
		Description:    r.Description,
		Manufacturer:   r.Manufacturer,
		SSID:           r.SSID,
		VLAN:           r.VLAN.ptr(),
	}
	obs.Normalize()
	return obs, true
}

// flexTime accepts epoch seconds or an RFC 3339 string.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = epoch(secs)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = epoch(secs)
	return nil
}

func epoch(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * 1e6)
	return time.Unix(whole, frac*int64(time.Microsecond)).UTC()
}

// flexString accepts a JSON string or number.
type flexString struct {
	Value string
	Set   bool
}

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s.Value); err != nil {
			return err
		}
	} else {
		s.Value = string(data)
	}
	s.Set = s.Value != ""
	return nil
}

func (s flexString) ptr() *string {
	if !s.Set {
		return nil
	}
	v := s.Value
	return &v
}
