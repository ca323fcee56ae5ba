// Package replication holds the replica-group membership bookkeeping the
// source keeps alongside its notification core. The actual replication
// manager — consensus / primary election across the group — is an inert
// stub in the source and is left unspecified here; see the design notes.
// Group membership loading itself is well-specified and reproduced as-is.
package replication

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"notifyfeed/server/internal/wire"
)

// Group tracks the known replica addresses, this process's own address, and
// (once an election has notionally happened) a coordinator address.
type Group struct {
	self        wire.Address
	servers     map[wire.Address]struct{}
	coordinator *wire.Address
}

// NewGroup returns a Group whose only member is self.
func NewGroup(self wire.Address) *Group {
	return &Group{self: self, servers: map[wire.Address]struct{}{self: {}}}
}

// SelfAddr returns this process's own address within the group.
func (g *Group) SelfAddr() wire.Address { return g.self }

// AddServer records addr as a group member, reporting whether it was new.
func (g *Group) AddServer(addr wire.Address) bool {
	if _, ok := g.servers[addr]; ok {
		return false
	}
	g.servers[addr] = struct{}{}
	return true
}

// RemoveServer drops addr from the group, clearing the coordinator if it
// was the one removed. Reports whether addr had been a member.
func (g *Group) RemoveServer(addr wire.Address) bool {
	if _, ok := g.servers[addr]; !ok {
		return false
	}
	delete(g.servers, addr)
	if g.coordinator != nil && *g.coordinator == addr {
		g.coordinator = nil
	}
	return true
}

// ErrUnknownServerAddr reports an elected coordinator address is not a
// known group member.
type ErrUnknownServerAddr struct{ Addr wire.Address }

func (e *ErrUnknownServerAddr) Error() string {
	return fmt.Sprintf("replication: unknown server address %s", e.Addr.String())
}

// Elected records coordinatorAddr as the group's coordinator, failing if it
// is not a known member.
func (g *Group) Elected(coordinatorAddr wire.Address) error {
	if _, ok := g.servers[coordinatorAddr]; !ok {
		return &ErrUnknownServerAddr{Addr: coordinatorAddr}
	}
	g.coordinator = &coordinatorAddr
	return nil
}

// CoordinatorAddr returns the current coordinator, if any has been elected.
func (g *Group) CoordinatorAddr() (wire.Address, bool) {
	if g.coordinator == nil {
		return wire.Address{}, false
	}
	return *g.coordinator, true
}

// ServerAddrs returns every known member address, including self.
func (g *Group) ServerAddrs() []wire.Address {
	addrs := make([]wire.Address, 0, len(g.servers))
	for addr := range g.servers {
		addrs = append(addrs, addr)
	}
	return addrs
}

const (
	// PathEnvVar names the env var pointing at a newline-delimited server
	// address list.
	PathEnvVar = "SISOP2_SERVER_GROUP_FILE"
	// DirectEnvVar names the env var carrying a single extra member
	// address, added on top of whatever the file lists.
	DirectEnvVar = "SISOP2_SERVER_GROUP"
	// DefaultPath is used when PathEnvVar is unset or empty.
	DefaultPath = ".sisop2_server_addrs"
)

// ServerAddrListPath resolves the address-list path: explicit override,
// then PathEnvVar, then DefaultPath.
func ServerAddrListPath(override string) string {
	if override != "" {
		return override
	}
	if path := strings.TrimSpace(os.Getenv(PathEnvVar)); path != "" {
		return path
	}
	return DefaultPath
}

// LoadServerAddrList reads one address per line from the resolved path
// (trimming blank lines), then folds in DirectEnvVar if set. A missing file
// is not an error: it yields an empty list, matching a fresh single-node
// deployment with no peers configured yet.
func LoadServerAddrList(override string) (map[wire.Address]struct{}, error) {
	path := ServerAddrListPath(override)
	addrs := make(map[wire.Address]struct{})

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("replication: read %s: %w", path, err)
		}
	} else {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			addr, err := wire.ParseAddress(line)
			if err != nil {
				return nil, fmt.Errorf("replication: parse %q: %w", line, err)
			}
			addrs[addr] = struct{}{}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("replication: scan %s: %w", path, err)
		}
	}

	if direct := strings.TrimSpace(os.Getenv(DirectEnvVar)); direct != "" {
		addr, err := wire.ParseAddress(direct)
		if err != nil {
			return nil, fmt.Errorf("replication: parse %s=%q: %w", DirectEnvVar, direct, err)
		}
		addrs[addr] = struct{}{}
	}

	return addrs, nil
}

// Start launches the (currently inert) replication manager loop: it reacts
// to no event in any branch, matching the source's stub implementation,
// and exits once recvReq's sender side disconnects.
func Start(group *Group, recvReq <-chan struct{}) {
	for range recvReq {
		if _, ok := group.CoordinatorAddr(); !ok {
		} else if coordinator, _ := group.CoordinatorAddr(); coordinator == group.SelfAddr() {
		} else {
		}
	}
}
