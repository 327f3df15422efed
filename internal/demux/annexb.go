package demux

// nalState is the persisted state of the incremental Annex-B start-code
// scanner between Feed calls. A scanner that only ever saw whole PES
// payloads in one call would not need this, but start codes (and NAL
// payloads themselves) routinely straddle the chunk boundaries the caller
// hands to Push, so the scanner carries state across calls instead of
// assuming one full access unit per Feed.
type nalState int

const (
	nalStateZero       nalState = 0  // no pending 0x00 run
	nalStateOneZero    nalState = 1  // one 0x00 seen
	nalStateTwoZeros   nalState = 2  // two 0x00 seen (3-byte start code candidate)
	nalStateThreeZeros nalState = 3  // three-or-more 0x00 seen (4-byte start code candidate)
	nalStateInNAL      nalState = -1 // positioned inside a NAL unit's payload
)

// annexBScanner incrementally extracts NAL units from an Annex-B byte stream
// fed across arbitrarily many Feed calls. minNALBytes is the minimum number
// of bytes a NAL payload must have before typeFunc can classify it (1 for
// H.264's one-byte header, 2 for HEVC's two-byte header).
type annexBScanner struct {
	state       nalState
	started     bool // a start code has been seen since construction or the last Close
	cur         []byte
	minNALBytes int
	typeFunc    func([]byte) byte
}

func newAnnexBScanner(minNALBytes int, typeFunc func([]byte) byte) *annexBScanner {
	return &annexBScanner{minNALBytes: minNALBytes, typeFunc: typeFunc}
}

// Feed scans data for start codes, returning any NAL units completed within
// this call. A NAL unit is "completed" once the start code of the next one
// is found; the tail of the stream remains buffered until the next Feed call
// or a final Close.
func (s *annexBScanner) Feed(data []byte) []NALUnit {
	var out []NALUnit
	for _, b := range data {
		switch s.state {
		case nalStateInNAL:
			switch b {
			case 0x00:
				s.state = nalStateOneZero
			default:
				s.cur = append(s.cur, b)
			}

		case nalStateZero:
			if b == 0x00 {
				s.state = nalStateOneZero
			}

		case nalStateOneZero:
			if b == 0x00 {
				s.state = nalStateTwoZeros
			} else {
				s.appendPendingZeros(1, b)
			}

		case nalStateTwoZeros:
			switch b {
			case 0x00:
				s.state = nalStateThreeZeros
			case 0x01:
				if nal, ok := s.closeCurrent(); ok {
					out = append(out, nal)
				}
				s.started = true
				s.state = nalStateInNAL
			default:
				s.appendPendingZeros(2, b)
			}

		case nalStateThreeZeros:
			switch b {
			case 0x00:
				// stay in nalStateThreeZeros; extra leading zeros are legal
			case 0x01:
				if nal, ok := s.closeCurrent(); ok {
					out = append(out, nal)
				}
				s.started = true
				s.state = nalStateInNAL
			default:
				s.appendPendingZeros(3, b)
			}
		}
	}
	return out
}

// appendPendingZeros is called when a run of pending zero bytes (that turned
// out not to be a start code) must be flushed into the current NAL payload,
// along with the byte that ended the run. Before the first start code there
// is no NAL unit to flush into, and the bytes are dropped.
func (s *annexBScanner) appendPendingZeros(n int, b byte) {
	if !s.started {
		s.state = nalStateZero
		return
	}
	for i := 0; i < n; i++ {
		s.cur = append(s.cur, 0x00)
	}
	s.cur = append(s.cur, b)
	s.state = nalStateInNAL
}

// closeCurrent finalizes the buffered NAL payload (if any and long enough
// to classify) into a NALUnit and resets the buffer for the next one.
func (s *annexBScanner) closeCurrent() (NALUnit, bool) {
	defer func() { s.cur = nil }()
	if len(s.cur) < s.minNALBytes {
		return NALUnit{}, false
	}
	data := s.cur
	return NALUnit{Type: s.typeFunc(data), Data: data}, true
}

// Close flushes any buffered NAL payload as a final unit, to be called once
// no more data will arrive (end of stream, or a PES boundary in codecs where
// access units never span PES packets).
func (s *annexBScanner) Close() (NALUnit, bool) {
	// A pending run of zero bytes at the tail is trailing padding, not NAL
	// payload, and is dropped.
	s.state = nalStateZero
	s.started = false
	return s.closeCurrent()
}

// NALUnit represents a parsed H.264 or H.265 NAL unit.
type NALUnit struct {
	Type byte   // NAL type (codec-specific: 5-bit for H.264, 6-bit for H.265)
	Data []byte // raw NAL data including the NAL header byte(s), without start code
}

// ParseAnnexB parses a single, complete H.264 Annex B byte buffer into NAL
// units. It recognizes both 3-byte (0x000001) and 4-byte (0x00000001) start
// codes. For incremental parsing across multiple buffers, use a Demuxer,
// which keeps a persistent annexBScanner per video PID instead of scanning
// one buffer in isolation.
func ParseAnnexB(data []byte) []NALUnit {
	s := newAnnexBScanner(1, func(d []byte) byte { return d[0] & 0x1F })
	units := s.Feed(data)
	if last, ok := s.Close(); ok {
		units = append(units, last)
	}
	return units
}

// ParseAnnexBHEVC parses a single, complete HEVC Annex B byte buffer into
// NAL units using the HEVC 2-byte NAL header for type extraction.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	s := newAnnexBScanner(2, func(d []byte) byte { return HEVCNALType(d[0]) })
	units := s.Feed(data)
	if last, ok := s.Close(); ok {
		units = append(units, last)
	}
	return units
}
