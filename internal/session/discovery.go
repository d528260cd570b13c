package session

import (
	"net"
)

const maxDiscoveryEntries = 10

// DiscoveryEntry is one pending Hello announcement, per spec.md §3.
type DiscoveryEntry struct {
	Address    net.UDPAddr
	DeviceName string
	TimestampUs uint64
}

// discoveryTable is the bounded, address-unique list of recent Hello
// announcements. Grounded on the original Listener::PushRequest, but fixes
// the overflow bug called out in spec.md §9: it evicts the head (oldest)
// entry rather than the one it just appended.
type discoveryTable struct {
	entries []DiscoveryEntry
}

// push inserts or refreshes an entry for addr. Any existing entry with the
// same IPv4 address and port is removed first, then the fresh entry is
// appended at the tail. If the table then exceeds maxDiscoveryEntries, the
// oldest (head) entry is evicted.
func (d *discoveryTable) push(addr net.UDPAddr, deviceName string, timestampUs uint64) {
	for i, e := range d.entries {
		if sameEndpoint(e.Address, addr) {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	d.entries = append(d.entries, DiscoveryEntry{
		Address:     addr,
		DeviceName:  deviceName,
		TimestampUs: timestampUs,
	})
	if len(d.entries) > maxDiscoveryEntries {
		d.entries = d.entries[1:]
	}
}

// remove deletes the entry for addr, if any. Called when Connect accepts
// that address.
func (d *discoveryTable) remove(addr net.UDPAddr) {
	for i, e := range d.entries {
		if sameEndpoint(e.Address, addr) {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return
		}
	}
}

// list returns a copy of the current entries, oldest first.
func (d *discoveryTable) list() []DiscoveryEntry {
	out := make([]DiscoveryEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

func sameEndpoint(a, b net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// sanitizeDeviceName enforces spec.md §4.5's device-name rule: NUL
// termination at index 31, non alnum/underscore/hyphen bytes replaced with
// underscore, remainder zero-padded.
func sanitizeDeviceName(raw [32]byte) string {
	var out [32]byte
	copy(out[:], raw[:])
	out[31] = 0

	n := 0
	for n < 31 && out[n] != 0 {
		n++
	}
	for i := 0; i < n; i++ {
		c := out[i]
		alnum := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !alnum && c != '_' && c != '-' {
			out[i] = '_'
		}
	}
	for i := n; i < 31; i++ {
		out[i] = 0
	}
	return string(out[:n])
}
