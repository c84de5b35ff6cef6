package rtppkt

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// OnPacket is the inbound packet-source callback.
type OnPacket func(pkt Packet)

// MulticastSource joins a GPS-disciplined RTP multicast group and decodes
// each datagram into a Packet, handing it to OnPacket. It is the only
// piece of the pipeline that touches the network; everything downstream
// works on decoded Packets. Modeled on media/rtp_packet_reader.go's
// RTPPacketReader, minus the RTCP/SDP negotiation machinery that a
// unicast SIP session needs and a one-way multicast feed does not.
type MulticastSource struct {
	conn *net.UDPConn
	buf  []byte
	log  zerolog.Logger
}

// NewMulticastSource joins addr (e.g. "239.1.2.3:5004") on the named
// interface (empty uses the default multicast-capable interface).
func NewMulticastSource(addr string, ifaceName string, log zerolog.Logger) (*MulticastSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast addr: %w", err)
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", iface, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", addr, err)
	}
	conn.SetReadBuffer(4 << 20)

	return &MulticastSource{
		conn: conn,
		buf:  make([]byte, 65536),
		log:  log.With().Str("component", "rtppkt.MulticastSource").Str("addr", addr).Logger(),
	}, nil
}

func (s *MulticastSource) Close() error {
	return s.conn.Close()
}

// Run blocks reading datagrams until the connection is closed, invoking
// onPkt for every well-formed packet. Malformed headers are logged and
// dropped.
func (s *MulticastSource) Run(onPkt OnPacket) error {
	for {
		n, _, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			return err
		}

		pkt := rtp.Packet{}
		if err := pkt.Unmarshal(s.buf[:n]); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed RTP header")
			continue
		}

		samples, err := decodeIQPayload(pkt.Payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping packet with malformed IQ payload")
			continue
		}

		onPkt(Packet{
			SequenceNumber: pkt.SequenceNumber,
			RTPTimestamp:   pkt.Timestamp,
			Marker:         pkt.Marker,
			SSRC:           pkt.SSRC,
			Samples:        samples,
		})
	}
}

// decodeIQPayload interprets the RTP payload as interleaved big-endian
// 16-bit I/Q pairs, the wire format this SDR source emits.
func decodeIQPayload(payload []byte) ([]Complex, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("iq payload length %d not a multiple of 4", len(payload))
	}
	n := len(payload) / 4
	out := make([]Complex, n)
	for i := 0; i < n; i++ {
		iRaw := int16(binary.BigEndian.Uint16(payload[i*4:]))
		qRaw := int16(binary.BigEndian.Uint16(payload[i*4+2:]))
		const scale = 1.0 / 32768.0
		out[i] = complex(float32(float64(iRaw)*scale), float32(float64(qRaw)*scale))
	}
	return out, nil
}

// EncodeIQPayload is the inverse of decodeIQPayload, used by tests and by
// synthetic stream generators to build wire-compatible payloads.
func EncodeIQPayload(samples []Complex) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		iv := clampInt16(float64(real(s)) * 32768.0)
		qv := clampInt16(float64(imag(s)) * 32768.0)
		binary.BigEndian.PutUint16(out[i*4:], uint16(iv))
		binary.BigEndian.PutUint16(out[i*4+2:], uint16(qv))
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
