package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromServiceEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("OctoPrint instance on octopi", ServiceType, Domain)
	entry.HostName = "octopi.local."
	entry.Port = 80
	entry.Text = []string{"path=/", "version=1.4.0", "api=0.1", "flag", "=ignored"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.50")}

	info := FromServiceEntry(entry)

	assert.Equal(t, "OctoPrint instance on octopi", info.Instance)
	assert.Equal(t, "octopi.local.", info.Hostname)
	assert.Equal(t, 80, info.Port)
	assert.Equal(t, []string{"192.168.1.50"}, info.Addresses)
	assert.Equal(t, map[string]string{
		"path":    "/",
		"version": "1.4.0",
		"api":     "0.1",
		"flag":    "",
	}, info.Properties)
}

func TestFromServiceEntry_NoText(t *testing.T) {
	entry := zeroconf.NewServiceEntry("bare", ServiceType, Domain)
	entry.HostName = "bare.local."
	entry.Port = 5000

	info := FromServiceEntry(entry)
	assert.Empty(t, info.Addresses)
	assert.Empty(t, info.Properties)
	assert.NotNil(t, info.Properties)
}

func TestFromSSDPLocation(t *testing.T) {
	tests := []struct {
		location string
		host     string
		port     int
	}{
		{"http://octopi.local/plugin/discovery/discovery.xml", "octopi.local", 80},
		{"https://octopi.local/discovery.xml", "octopi.local", 443},
		{"http://192.168.1.20:5000/discovery.xml", "192.168.1.20", 5000},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			info, err := FromSSDPLocation(tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.host, info.Hostname)
			assert.Equal(t, tt.port, info.Port)
			assert.Equal(t, "/", info.Properties["path"])
		})
	}

	for _, bad := range []string{"://nope", "/relative/only", "http://host:port/"} {
		_, err := FromSSDPLocation(bad)
		assert.Error(t, err, bad)
	}
}
