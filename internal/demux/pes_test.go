package demux

import "testing"

// buildPESWithTimestamps builds a PES optional header carrying PTS only, or
// PTS and DTS, with no payload bytes following it.
func buildPESWithTimestamps(streamID byte, pts, dts int64, hasPTS, hasDTS bool) []byte {
	var tsBytes []byte
	flags2 := byte(0x00)
	switch {
	case hasPTS && hasDTS:
		flags2 = 0xC0
		tsBytes = append(tsBytes, encodePTSBytes(pts, 0x03)...)
		tsBytes = append(tsBytes, encodePTSBytes(dts, 0x01)...)
	case hasPTS:
		flags2 = 0x80
		tsBytes = encodePTSBytes(pts, 0x02)
	}

	optHeader := append([]byte{0x80, flags2, byte(len(tsBytes))}, tsBytes...)
	packetLength := len(optHeader)
	hdr := []byte{0x00, 0x00, 0x01, streamID, byte(packetLength >> 8), byte(packetLength)}
	return append(hdr, optHeader...)
}

// TestExtractTimestampRoundTrip checks property P4: extracting a PTS/DTS
// from its 5-byte wire encoding round-trips any 33-bit unsigned value,
// except that values above 2^32 - 1 come back wrapped to p - 2^33.
func TestExtractTimestampRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []int64{
		0, 1, 90000,
		1<<32 - 1, // largest value that doesn't wrap
		1 << 32,   // smallest value that wraps
		1<<32 + 12345,
		1<<33 - 1, // largest 33-bit value
	}

	for _, p := range cases {
		want := p
		if p > 1<<32-1 {
			want = p - (1 << 33)
		}
		got := extractTimestamp(encodePTSBytes(p, 0x02))
		if got != want {
			t.Errorf("p=%d: got %d, want %d", p, got, want)
		}
	}
}

// TestParsePESPacketPTSDTSClamp checks that when PTS - DTS exceeds the
// sanity threshold, PTS is forced to DTS (not the reverse).
func TestParsePESPacketPTSDTSClamp(t *testing.T) {
	t.Parallel()

	const dts = int64(90000)
	badPTS := dts + ptsClampThreshold + 1

	payload := buildPESWithTimestamps(0xE0, badPTS, dts, true, true)
	hdr, _, err := parsePESPacket(payload)
	if err != nil {
		t.Fatalf("parsePESPacket failed: %v", err)
	}
	if hdr.DTS != dts {
		t.Errorf("DTS should be untouched: got %d, want %d", hdr.DTS, dts)
	}
	if hdr.PTS != dts {
		t.Errorf("PTS should be clamped to DTS: got %d, want %d", hdr.PTS, dts)
	}
}

// TestParsePESPacketPTSDTSWithinThreshold checks that a PTS/DTS gap at or
// under the threshold is left alone.
func TestParsePESPacketPTSDTSWithinThreshold(t *testing.T) {
	t.Parallel()

	const dts = int64(90000)
	pts := dts + ptsClampThreshold

	payload := buildPESWithTimestamps(0xE0, pts, dts, true, true)
	hdr, _, err := parsePESPacket(payload)
	if err != nil {
		t.Fatalf("parsePESPacket failed: %v", err)
	}
	if hdr.PTS != pts {
		t.Errorf("PTS should be untouched: got %d, want %d", hdr.PTS, pts)
	}
	if hdr.DTS != dts {
		t.Errorf("DTS should be untouched: got %d, want %d", hdr.DTS, dts)
	}
}
