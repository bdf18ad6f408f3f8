// Package inventory describes the hosts of a testbed.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the control port of every driver and server.
const DefaultPort = 8080

var ErrUnknownRole = errors.New("unknown role")

// Host is one machine of the testbed.
type Host struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// ID is the switch-facing identifier, usually a MAC address.
	ID   string `yaml:"id,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// ControlAddr is the host:port of the host's control surface.
func (h Host) ControlAddr() string {
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}

// Inventory groups hosts by role.
type Inventory struct {
	Controllers []Host `yaml:"controllers"`
	Drivers     []Host `yaml:"drivers"`
	Servers     []Host `yaml:"servers"`
}

// Role returns the hosts of role: controllers, drivers or servers. The
// singular forms are accepted too.
func (inv *Inventory) Role(name string) ([]Host, error) {
	switch name {
	case "controller", "controllers":
		return inv.Controllers, nil
	case "driver", "drivers":
		return inv.Drivers, nil
	case "server", "servers":
		return inv.Servers, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownRole, name)
}

// Host finds a host by name in any role.
func (inv *Inventory) Host(name string) (Host, bool) {
	for _, group := range [][]Host{inv.Controllers, inv.Drivers, inv.Servers} {
		for _, h := range group {
			if h.Name == name {
				return h, true
			}
		}
	}
	return Host{}, false
}

// Validate requires a name and address on every host and unique names.
func (inv *Inventory) Validate() error {
	seen := make(map[string]bool)
	roles := []struct {
		name  string
		hosts []Host
	}{
		{"controllers", inv.Controllers},
		{"drivers", inv.Drivers},
		{"servers", inv.Servers},
	}
	for _, role := range roles {
		for i, h := range role.hosts {
			if h.Name == "" {
				return fmt.Errorf("%s[%d]: name is required", role.name, i)
			}
			if h.Address == "" {
				return fmt.Errorf("%s[%d] %s: address is required", role.name, i, h.Name)
			}
			if h.Port < 0 || h.Port > 65535 {
				return fmt.Errorf("%s[%d] %s: invalid port %d", role.name, i, h.Name, h.Port)
			}
			if seen[h.Name] {
				return fmt.Errorf("duplicate host %q", h.Name)
			}
			seen[h.Name] = true
		}
	}
	return nil
}

// Parse decodes and validates a YAML inventory.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Load reads an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}
