package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAll(t *testing.T) {
	assert.Equal(t, "tcp or udp", FilterAll())
}

func TestFilterPorts(t *testing.T) {
	assert.Equal(t, FilterAll(), FilterPorts(nil))

	got := FilterPorts([]PortRule{
		{Protocol: ProtocolTCP, Port: 443},
		{Protocol: ProtocolUDP, Port: 53},
	})
	assert.Equal(t, "tcp port 443 or udp port 53", got)
}

func TestParseFilter(t *testing.T) {
	clauses, err := ParseFilter("tcp or udp")
	require.NoError(t, err)
	require.Len(t, clauses, 2)
	assert.True(t, clauses[0].AnyPort)
	assert.Equal(t, ProtocolTCP, clauses[0].Protocol)
	assert.True(t, clauses[1].AnyPort)
	assert.Equal(t, ProtocolUDP, clauses[1].Protocol)

	clauses, err = ParseFilter("tcp port 5201 or udp port 53")
	require.NoError(t, err)
	require.Len(t, clauses, 2)
	assert.Equal(t, Clause{Protocol: ProtocolTCP, Port: 5201}, clauses[0])
	assert.Equal(t, Clause{Protocol: ProtocolUDP, Port: 53}, clauses[1])
}

func TestParseFilterInvalid(t *testing.T) {
	_, err := ParseFilter("")
	assert.Error(t, err)

	_, err = ParseFilter("sctp port 80")
	assert.Error(t, err)

	_, err = ParseFilter("tcp port 0")
	assert.Error(t, err)

	_, err = ParseFilter("tcp dst 80")
	assert.Error(t, err)
}

func TestAddr(t *testing.T) {
	a := NewAddr("hello")
	assert.Equal(t, "hello", a.Value())
}
