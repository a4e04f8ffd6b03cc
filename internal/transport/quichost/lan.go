package quichost

import (
	"encoding/json"
	"time"

	"github.com/schollz/peerdiscovery"

	"aetherlink/internal/transport"
)

// lanAnnouncement is the payload every device broadcasts over the LAN
// multicast group: enough to dial it directly, nothing else.
type lanAnnouncement struct {
	DeviceCode string `json:"device_code"`
	Multiaddr  string `json:"multiaddr"`
}

// StartLANDiscovery broadcasts this host's own multiaddr over local
// multicast and feeds every other device's announcement into the event
// stream as EventLanObserved, the way the candidate resolver's LAN source
// expects (§4.6). selfAddr is the multiaddr peers should dial to reach
// this host. Runs until stopCh is closed.
func (h *Host) StartLANDiscovery(selfAddr string, interval time.Duration, stopCh chan struct{}) error {
	payload, err := json.Marshal(lanAnnouncement{DeviceCode: h.id.DeviceCode(), Multiaddr: selfAddr})
	if err != nil {
		return err
	}
	settings := peerdiscovery.Settings{
		Limit:     -1,
		Payload:   payload,
		Delay:     interval,
		TimeLimit: -1,
		StopChan:  stopCh,
		AllowSelf: false,
		IPVersion: peerdiscovery.IPv4,
		Notify:    h.onLANDiscovered,
	}
	go func() {
		if _, err := peerdiscovery.Discover(settings); err != nil {
			h.log.WithError(err).Warn("quichost: lan discovery stopped")
		}
	}()
	return nil
}

func (h *Host) onLANDiscovered(d peerdiscovery.Discovered) {
	var ann lanAnnouncement
	if err := json.Unmarshal(d.Payload, &ann); err != nil {
		h.log.WithError(err).WithField("peer", d.Address).Debug("quichost: malformed lan announcement")
		return
	}
	if ann.DeviceCode == "" || ann.DeviceCode == h.id.DeviceCode() {
		return
	}
	h.pushEvent(transport.Event{
		Kind:         transport.EventLanObserved,
		PeerIdentity: ann.DeviceCode,
		Addr:         ann.Multiaddr,
	})
}
