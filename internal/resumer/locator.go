package resumer

import (
	"encoding/json"
	"net"
	"strings"
)

// Locator names the replica that owns the live recording for a conversation
// and the capture file it writes to. Stored JSON-encoded in the locator store.
type Locator struct {
	Addr string `json:"addr"`
	File string `json:"file"`
}

func (l Locator) Address() string {
	if addr := strings.TrimSpace(l.Addr); addr != "" {
		return addr
	}
	return "localhost"
}

// MatchesAddress reports whether this locator points at the replica that
// advertises the given address. Hosts compare case-insensitively; ports must
// match exactly.
func (l Locator) MatchesAddress(address string) bool {
	other := strings.TrimSpace(address)
	if other == "" {
		return false
	}
	mine := l.Address()
	if strings.EqualFold(mine, other) {
		return true
	}
	myHost, myPort, errA := net.SplitHostPort(mine)
	otherHost, otherPort, errB := net.SplitHostPort(other)
	if errA != nil || errB != nil {
		return false
	}
	return myPort == otherPort && strings.EqualFold(myHost, otherHost)
}

func (l Locator) encode() (string, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeLocator(raw string) (Locator, bool) {
	var l Locator
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Locator{}, false
	}
	if strings.TrimSpace(l.Addr) == "" && strings.TrimSpace(l.File) == "" {
		return Locator{}, false
	}
	return l, true
}

func locatorFor(advertisedAddress, fileName string) Locator {
	addr := strings.TrimSpace(advertisedAddress)
	if addr == "" {
		addr = "localhost"
	}
	return Locator{Addr: addr, File: strings.TrimSpace(fileName)}
}
