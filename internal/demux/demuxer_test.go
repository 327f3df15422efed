package demux

import "testing"

// --- synthetic transport stream construction helpers ---

func makeTSPacket(pid uint16, pusi bool, cc byte, payload []byte) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = tsSyncByte
	b1 := byte((pid >> 8) & 0x1F)
	if pusi {
		b1 |= 0x40
	}
	pkt[1] = b1
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (cc & 0x0F) // payload present, no adaptation field
	n := copy(pkt[4:], payload)
	for i := 4 + n; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// packetizePSI splits a PSI section (with pointer_field prepended) across as
// many 184-byte payload packets as needed.
func packetizePSI(pid uint16, section []byte) []byte {
	data := append([]byte{0x00}, section...) // pointer_field = 0
	var out []byte
	cc := byte(0)
	for i := 0; i < len(data); i += 184 {
		end := i + 184
		if end > len(data) {
			end = len(data)
		}
		out = append(out, makeTSPacket(pid, i == 0, cc, data[i:end])...)
		cc = (cc + 1) & 0x0F
	}
	return out
}

func packetizePES(pid uint16, pes []byte) []byte {
	var out []byte
	cc := byte(0)
	for i := 0; i < len(pes); i += 184 {
		end := i + 184
		if end > len(pes) {
			end = len(pes)
		}
		out = append(out, makeTSPacket(pid, i == 0, cc, pes[i:end])...)
		cc = (cc + 1) & 0x0F
	}
	return out
}

func buildPATSection(pmtPID uint16) []byte {
	const tsid = uint16(1)
	const programNumber = uint16(1)
	sectionLength := 5 + 4 + 4 // fixed fields + one program entry + CRC

	buf := []byte{0x00} // table_id
	buf = append(buf, 0xB0|byte((sectionLength>>8)&0x0F), byte(sectionLength))
	buf = append(buf, byte(tsid>>8), byte(tsid))
	buf = append(buf, 0xC1, 0x00, 0x00)
	buf = append(buf, byte(programNumber>>8), byte(programNumber))
	buf = append(buf, 0xE0|byte((pmtPID>>8)&0x1F), byte(pmtPID))

	crc := computeCRC32(buf)
	return append(buf, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

type esEntry struct {
	pid        uint16
	streamType byte
}

func buildPMTSection(pcrPID uint16, streams []esEntry) []byte {
	const programNumber = uint16(1)
	var entries []byte
	for _, s := range streams {
		entries = append(entries, s.streamType, 0xE0|byte((s.pid>>8)&0x1F), byte(s.pid), 0xF0, 0x00)
	}
	sectionLength := 9 + len(entries) + 4

	buf := []byte{0x02}
	buf = append(buf, 0xB0|byte((sectionLength>>8)&0x0F), byte(sectionLength))
	buf = append(buf, byte(programNumber>>8), byte(programNumber))
	buf = append(buf, 0xC1, 0x00, 0x00)
	buf = append(buf, 0xE0|byte((pcrPID>>8)&0x1F), byte(pcrPID))
	buf = append(buf, 0xF0, 0x00)
	buf = append(buf, entries...)

	crc := computeCRC32(buf)
	return append(buf, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// encodePTSBytes encodes a 33-bit timestamp into its 5-byte wire form using
// the given 4-bit prefix ('0010' for PTS-only, per ITU-T H.222.0 2.4.3.6).
func encodePTSBytes(pts int64, prefix byte) []byte {
	b0 := (prefix << 4) | (byte((pts>>30)&0x07) << 1) | 0x01
	b1 := byte((pts >> 22) & 0xFF)
	b2 := (byte((pts>>15)&0x7F) << 1) | 0x01
	b3 := byte((pts >> 7) & 0xFF)
	b4 := (byte(pts&0x7F) << 1) | 0x01
	return []byte{b0, b1, b2, b3, b4}
}

func buildPES(streamID byte, pts int64, hasPTS bool, payload []byte) []byte {
	var optHeader []byte
	flags2 := byte(0x00)
	var ptsBytes []byte
	if hasPTS {
		flags2 = 0x80
		ptsBytes = encodePTSBytes(pts, 0x02)
	}
	optHeader = append(optHeader, 0x80, flags2, byte(len(ptsBytes)))
	optHeader = append(optHeader, ptsBytes...)

	packetLength := len(optHeader) + len(payload)

	hdr := []byte{0x00, 0x00, 0x01, streamID, byte(packetLength >> 8), byte(packetLength)}
	hdr = append(hdr, optHeader...)
	return append(hdr, payload...)
}

func annexBEncode(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// --- fake Remuxer/Observer ---

type capturedVideo struct {
	track  Track
	sample VideoSample
}

type capturedAudio struct {
	track  Track
	sample AudioSample
}

type fakeRemuxer struct {
	video []capturedVideo
	audio []capturedAudio
	id3   [][]byte
	text  []CaptionSample
}

func (f *fakeRemuxer) RemuxVideo(track Track, sample VideoSample) {
	f.video = append(f.video, capturedVideo{track, sample})
}
func (f *fakeRemuxer) RemuxAudio(track Track, sample AudioSample) {
	f.audio = append(f.audio, capturedAudio{track, sample})
}
func (f *fakeRemuxer) RemuxID3(track Track, pts int64, data []byte) {
	f.id3 = append(f.id3, data)
}
func (f *fakeRemuxer) RemuxText(track Track, sample CaptionSample) {
	f.text = append(f.text, sample)
}

type fakeObserver struct {
	events []EventDetail
}

func (f *fakeObserver) Trigger(d EventDetail) { f.events = append(f.events, d) }

// --- tests ---

func TestDemuxerPushBasicVideoAndAudio(t *testing.T) {
	t.Parallel()

	const pmtPID = 0x100
	const videoPID = 0x101
	const audioPID = 0x102

	var stream []byte
	stream = append(stream, packetizePSI(tsPIDPAT, buildPATSection(pmtPID))...)
	stream = append(stream, packetizePSI(pmtPID, buildPMTSection(videoPID, []esEntry{
		{pid: videoPID, streamType: streamTypeAVC},
		{pid: audioPID, streamType: streamTypeAAC},
	}))...)

	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE}
	videoES := annexBEncode(sps, pps, idr)
	videoPES := buildPES(0xE0, 90000, true, videoES)
	stream = append(stream, packetizePES(videoPID, videoPES)...)

	aacPayload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	aacFrame := buildADTSFrame(aacPayload, 3, 2) // 48kHz stereo
	audioPES := buildPES(0xC0, 90000, true, aacFrame)
	stream = append(stream, packetizePES(audioPID, audioPES)...)

	// Trailing packet on each elementary PID to force a PUSI flush of the
	// PES packets built above.
	stream = append(stream, makeTSPacket(videoPID, true, 1, []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00})...)
	stream = append(stream, makeTSPacket(audioPID, true, 1, []byte{0x00, 0x00, 0x01, 0xC0, 0x00, 0x00, 0x80, 0x00, 0x00})...)

	rx := &fakeRemuxer{}
	obs := &fakeObserver{}
	d := NewDemuxer(rx, obs, nil)

	if err := d.Push(stream); err != nil {
		t.Fatalf("Push error: %v", err)
	}

	if !d.PMTSeen() {
		t.Fatal("expected PMT to be parsed")
	}
	if d.VideoTrack().Codec != CodecH264 {
		t.Fatalf("expected H264 video track, got %v", d.VideoTrack().Codec)
	}
	tracks := d.AudioTracks()
	if len(tracks) != 1 || tracks[0].Codec != CodecAAC {
		t.Fatalf("expected 1 AAC audio track, got %+v", tracks)
	}

	if len(rx.video) != 1 {
		t.Fatalf("expected 1 video sample, got %d", len(rx.video))
	}
	vs := rx.video[0].sample
	if !vs.Keyframe {
		t.Error("expected video sample to be a keyframe")
	}
	if vs.PTS != 90000 {
		t.Errorf("video PTS: got %d, want 90000", vs.PTS)
	}
	if rx.video[0].track.AVC == nil || rx.video[0].track.AVC.Info.Width != 1280 {
		t.Errorf("expected AVC config with width 1280, got %+v", rx.video[0].track.AVC)
	}

	if len(rx.audio) != 1 {
		t.Fatalf("expected 1 audio sample, got %d", len(rx.audio))
	}
	as := rx.audio[0].sample
	if as.PTS != 90000 {
		t.Errorf("audio PTS: got %d, want 90000", as.PTS)
	}
	if rx.audio[0].track.AAC == nil || rx.audio[0].track.AAC.SampleRate != 48000 {
		t.Errorf("expected AAC config at 48kHz, got %+v", rx.audio[0].track.AAC)
	}
}

func TestDemuxerContinuityDiscontinuity(t *testing.T) {
	t.Parallel()

	rx := &fakeRemuxer{}
	obs := &fakeObserver{}
	d := NewDemuxer(rx, obs, nil)

	pid := uint16(0x101)
	d.checkContinuity(tsHeader{PID: pid, ContinuityCounter: 0, HasPayload: true})
	d.checkContinuity(tsHeader{PID: pid, ContinuityCounter: 1, HasPayload: true})
	// Skip from 1 to 5: a genuine discontinuity.
	d.checkContinuity(tsHeader{PID: pid, ContinuityCounter: 5, HasPayload: true})

	found := false
	for _, e := range obs.events {
		if e.Type == MediaError && e.PID == pid {
			found = true
		}
	}
	if !found {
		t.Error("expected a MediaError event for the continuity-counter discontinuity")
	}
}

func TestDemuxerPushResyncsAfterGarbage(t *testing.T) {
	t.Parallel()

	rx := &fakeRemuxer{}
	obs := &fakeObserver{}
	d := NewDemuxer(rx, obs, nil)

	garbage := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	valid := packetizePSI(tsPIDPAT, buildPATSection(0x100))

	if err := d.Push(append(garbage, valid...)); err != nil {
		t.Fatalf("Push error: %v", err)
	}
	if d.pmtPID != 0x100 {
		t.Errorf("expected PMT PID 0x100 after resync, got %#x", d.pmtPID)
	}
}

func TestDemuxerPushByteAtATime(t *testing.T) {
	t.Parallel()

	const pmtPID = 0x100
	var stream []byte
	stream = append(stream, packetizePSI(tsPIDPAT, buildPATSection(pmtPID))...)
	stream = append(stream, packetizePSI(pmtPID, buildPMTSection(0x101, []esEntry{
		{pid: 0x101, streamType: streamTypeAVC},
	}))...)

	rx := &fakeRemuxer{}
	d := NewDemuxer(rx, nil, nil)
	for _, b := range stream {
		if err := d.Push([]byte{b}); err != nil {
			t.Fatalf("Push error: %v", err)
		}
	}
	if !d.PMTSeen() {
		t.Fatal("expected PMT to be parsed after feeding one byte at a time")
	}
}

// TestDemuxerSplitsAccessUnitsOnAUD checks that two AUD-delimited access
// units packed into a single video PES are emitted as two separate
// VideoSamples rather than merged into one.
func TestDemuxerSplitsAccessUnitsOnAUD(t *testing.T) {
	t.Parallel()

	const pmtPID = 0x100
	const videoPID = 0x101

	var stream []byte
	stream = append(stream, packetizePSI(tsPIDPAT, buildPATSection(pmtPID))...)
	stream = append(stream, packetizePSI(pmtPID, buildPMTSection(videoPID, []esEntry{
		{pid: videoPID, streamType: streamTypeAVC},
	}))...)

	aud := []byte{0x09, 0x10}
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr1 := []byte{0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE}
	idr2 := []byte{0x65, 0x11, 0x22, 0x33}

	videoES := annexBEncode(aud, sps, pps, idr1, aud, idr2)
	videoPES := buildPES(0xE0, 90000, true, videoES)
	stream = append(stream, packetizePES(videoPID, videoPES)...)
	stream = append(stream, makeTSPacket(videoPID, true, 1, []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00})...)

	rx := &fakeRemuxer{}
	d := NewDemuxer(rx, nil, nil)
	if err := d.Push(stream); err != nil {
		t.Fatalf("Push error: %v", err)
	}

	if len(rx.video) != 2 {
		t.Fatalf("expected 2 video samples from 2 AUD-delimited access units, got %d", len(rx.video))
	}
	if len(rx.video[0].sample.NALUs) != 3 {
		t.Errorf("first AU: expected 3 NALUs (SPS, PPS, IDR), got %d", len(rx.video[0].sample.NALUs))
	}
	if len(rx.video[1].sample.NALUs) != 1 {
		t.Errorf("second AU: expected 1 NALU (IDR), got %d", len(rx.video[1].sample.NALUs))
	}
	if !rx.video[0].sample.Keyframe || !rx.video[1].sample.Keyframe {
		t.Error("expected both access units to be keyframes")
	}
}

// TestDemuxerAACNoHeaderIsFatal checks that an AAC PES with no ADTS
// syncword anywhere in it surfaces a fatal FragParsingError and emits no
// audio sample.
func TestDemuxerAACNoHeaderIsFatal(t *testing.T) {
	t.Parallel()

	const pmtPID = 0x100
	const audioPID = 0x101

	var stream []byte
	stream = append(stream, packetizePSI(tsPIDPAT, buildPATSection(pmtPID))...)
	stream = append(stream, packetizePSI(pmtPID, buildPMTSection(0, []esEntry{
		{pid: audioPID, streamType: streamTypeAAC},
	}))...)

	garbage := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	audioPES := buildPES(0xC0, 90000, true, garbage)
	stream = append(stream, packetizePES(audioPID, audioPES)...)
	stream = append(stream, makeTSPacket(audioPID, true, 1, []byte{0x00, 0x00, 0x01, 0xC0, 0x00, 0x00, 0x80, 0x00, 0x00})...)

	rx := &fakeRemuxer{}
	obs := &fakeObserver{}
	d := NewDemuxer(rx, obs, nil)
	if err := d.Push(stream); err != nil {
		t.Fatalf("Push error: %v", err)
	}

	if len(rx.audio) != 0 {
		t.Errorf("expected no audio samples, got %d", len(rx.audio))
	}

	found := false
	for _, e := range obs.events {
		if e.Type == FragParsingError && e.Track == TrackAudio && e.Fatal {
			found = true
		}
	}
	if !found {
		t.Error("expected a fatal FragParsingError event for the missing ADTS header")
	}
}
