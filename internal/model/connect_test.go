package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectId_RoundTrip(t *testing.T) {
	c := NewConnectId(NewURL("1.1.1.1", 12345), NewURL("2.2.2.2", 9600))
	s := c.String()
	assert.Equal(t, "1.1.1.1:12345_2.2.2.2:9600", s)

	parsed, err := ParseConnectId(s)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestParseConnectId_Invalid(t *testing.T) {
	for _, s := range []string{"", "1.1.1.1:80", "a_b", "1.1.1.1:80_2.2.2.2:x", "1.1.1.1_2.2.2.2:80"} {
		_, err := ParseConnectId(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestRegistration_ConnectId(t *testing.T) {
	pub := &Publisher{}
	pub.SourceAddress = NewURL("192.168.1.2", 9000)
	pub.TargetAddress = NewURL("127.0.0.1", 34567)
	assert.Equal(t, "192.168.1.2:9000_127.0.0.1:34567", pub.ConnectId().String())
}

func TestDataInfoId_RoundTrip(t *testing.T) {
	id := DataInfoId("dataid", "instance2", "rpc")
	dataId, instanceId, group, err := ParseDataInfoId(id)
	require.NoError(t, err)
	assert.Equal(t, "dataid", dataId)
	assert.Equal(t, "instance2", instanceId)
	assert.Equal(t, "rpc", group)
}
