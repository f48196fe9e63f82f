package policytable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIngestIPInfoScenarioS6 reproduces spec scenario S6 verbatim.
func TestIngestIPInfoScenarioS6(t *testing.T) {
	input := []byte(`{"IPInfo":[{"IP":"1.1.1.1","ports":[1,2,3],"t":"all","w":100},{"IP":"2.2.2.2","ports":[11],"t":"all","w":200}]}`)

	out, err := IngestIPInfo(input)
	require.NoError(t, err)

	assert.EqualValues(t, 2, out.ServerNum)
	assert.EqualValues(t, 300, out.WeightStaticTotal)
	require.Len(t, out.Servers, 2)

	s0 := out.Servers[0]
	assert.Equal(t, uint32(1<<24|1<<16|1<<8|1), s0.ServerIP)
	assert.EqualValues(t, PortBoth, s0.PortType)
	assert.EqualValues(t, 3, s0.PortNum)

	s1 := out.Servers[1]
	assert.Equal(t, uint32(2<<24|2<<16|2<<8|2), s1.ServerIP)
	assert.EqualValues(t, PortBoth, s1.PortType)
	assert.EqualValues(t, 1, s1.PortNum)
}

func TestIngestIPInfoPortTypeMapping(t *testing.T) {
	for _, tc := range []struct {
		t    string
		want uint8
	}{
		{"udp", PortUDP},
		{"tcp", PortTCP},
		{"all", PortBoth},
	} {
		input := []byte(`{"IPInfo":[{"IP":"10.0.0.1","ports":[1],"t":"` + tc.t + `","w":1}]}`)
		out, err := IngestIPInfo(input)
		require.NoError(t, err)
		require.Len(t, out.Servers, 1)
		assert.Equal(t, tc.want, out.Servers[0].PortType, "type %q", tc.t)
	}
}

func TestIngestIPInfoRejectsInvalidIP(t *testing.T) {
	_, err := IngestIPInfo([]byte(`{"IPInfo":[{"IP":"not-an-ip","ports":[1],"t":"all","w":1}]}`))
	assert.Error(t, err)
}

func TestIngestIPInfoRejectsTooManyPorts(t *testing.T) {
	ports := "[1,2,3,4,5,6,7,8,9]"
	_, err := IngestIPInfo([]byte(`{"IPInfo":[{"IP":"10.0.0.1","ports":` + ports + `,"t":"all","w":1}]}`))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in, err := IngestIPInfo([]byte(`{"IPInfo":[{"IP":"1.1.1.1","ports":[1,2,3],"t":"all","w":100},{"IP":"2.2.2.2","ports":[11],"t":"udp","w":200}]}`))
	require.NoError(t, err)
	in.SuccessRatioBase = 0.98
	in.SuccessRatioMin = 0.5
	in.ResumeWeightRatio = 0.1
	in.DeadRetryRatio = 0.2
	in.WeightLowWatermark = 0.3
	in.WeightLowRatio = 0.4
	in.WeightIncrRatio = 0.05
	in.ShapingRequestMin = 50

	encoded := Encode(in)
	out, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.Policy, out.Policy)
	assert.Equal(t, in.ServerNum, out.ServerNum)
	assert.Equal(t, in.WeightStaticTotal, out.WeightStaticTotal)
	assert.Equal(t, in.ShapingRequestMin, out.ShapingRequestMin)
	assert.InDelta(t, in.SuccessRatioBase, out.SuccessRatioBase, 1e-6)
	assert.InDelta(t, in.WeightIncrRatio, out.WeightIncrRatio, 1e-6)
	assert.Equal(t, in.Servers, out.Servers)
}

func TestDecodeTruncatedInput(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}
