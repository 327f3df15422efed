package demux

import "testing"

func buildADTSFrame(payload []byte, sampleRateIdx, channelCfg int) []byte {
	frameLen := 7 + len(payload)

	header := make([]byte, 7)
	header[0] = 0xFF
	header[1] = 0xF1 // MPEG-4, Layer 0, no CRC protection
	// Byte 2: [profile:2][sampling_freq_idx:4][private:1][channel_cfg_hi:1]
	header[2] = (1 << 6) | byte(sampleRateIdx<<2) // AAC-LC
	// Byte 3: [channel_cfg_lo:2][original_copy:1][home:1][copyright_id:1][copyright_start:1][frame_length_hi:2]
	header[3] = byte(channelCfg<<6) | byte((frameLen>>11)&0x03)
	// Byte 4: [frame_length_mid:8]
	header[4] = byte((frameLen >> 3) & 0xFF)
	// Byte 5: [frame_length_lo:3][buffer_fullness_hi:5]
	header[5] = byte((frameLen&0x07)<<5) | 0x1F
	// Byte 6: [buffer_fullness_lo:6][num_frames_minus1:2]
	header[6] = 0xFC

	return append(header, payload...)
}

func TestParseADTSFrames(t *testing.T) {
	t.Parallel()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}
	adts := buildADTSFrame(payload, 3, 2) // 48kHz, stereo

	frames, remainder, err := parseADTSFrames(adts)
	if err != nil {
		t.Fatalf("parseADTSFrames failed: %v", err)
	}
	if remainder != nil {
		t.Errorf("expected no remainder, got %d bytes", len(remainder))
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SampleRate != 48000 {
		t.Errorf("expected sample rate 48000, got %d", frames[0].SampleRate)
	}
	if frames[0].Channels != 2 {
		t.Errorf("expected 2 channels, got %d", frames[0].Channels)
	}
	if len(frames[0].Data) != len(adts) {
		t.Errorf("expected frame data length %d, got %d", len(adts), len(frames[0].Data))
	}
}

func TestParseADTSFramesEmpty(t *testing.T) {
	t.Parallel()
	frames, remainder, err := parseADTSFrames(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 || remainder != nil {
		t.Errorf("expected no frames or remainder for empty input")
	}
}

func TestParseADTSFramesTruncated(t *testing.T) {
	t.Parallel()
	// Just a sync word, not enough for a full header.
	data := []byte{0xFF, 0xF1, 0x50, 0x80, 0x00}
	frames, remainder, err := parseADTSFrames(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected 0 frames for truncated input, got %d", len(frames))
	}
	if len(remainder) != len(data) {
		t.Errorf("truncated header should be carried whole as remainder: got %d bytes, want %d", len(remainder), len(data))
	}
}

func TestParseADTSFramesSplitAcrossCalls(t *testing.T) {
	t.Parallel()
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	frame := buildADTSFrame(payload, 4, 2) // 44.1kHz

	split := len(frame) / 2
	first, second := frame[:split], frame[split:]

	frames, remainder, err := parseADTSFrames(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected incomplete frame to produce 0 frames, got %d", len(frames))
	}
	if remainder == nil {
		t.Fatalf("expected remainder carrying the partial frame")
	}

	combined := append(append([]byte(nil), remainder...), second...)
	frames, remainder, err = parseADTSFrames(combined)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remainder != nil {
		t.Errorf("expected no remainder after completing the frame")
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 completed frame, got %d", len(frames))
	}
	if frames[0].SampleRate != 44100 {
		t.Errorf("expected sample rate 44100, got %d", frames[0].SampleRate)
	}
}

func TestAACFrameReaderReportsLeadingGarbageOffset(t *testing.T) {
	t.Parallel()
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := buildADTSFrame(payload, 3, 2)
	garbage := []byte{0x01, 0x02, 0x03}

	r := &adtsFrameReader{}
	frames, syncOffset, err := r.Feed(append(append([]byte(nil), garbage...), frame...), 90000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if syncOffset != len(garbage) {
		t.Errorf("syncOffset: got %d, want %d", syncOffset, len(garbage))
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame recovered past the garbage, got %d", len(frames))
	}
}

func TestAACFrameReaderReportsNoADTSHeader(t *testing.T) {
	t.Parallel()
	r := &adtsFrameReader{}
	frames, syncOffset, err := r.Feed([]byte{0x01, 0x02, 0x03, 0x04}, 90000, true)
	if err != ErrNoADTSHeader {
		t.Fatalf("expected ErrNoADTSHeader, got %v", err)
	}
	if syncOffset != -1 {
		t.Errorf("syncOffset: got %d, want -1", syncOffset)
	}
	if len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestADTSFrameReaderGluesTimestamps(t *testing.T) {
	t.Parallel()
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame1 := buildADTSFrame(payload, 3, 2) // 48kHz
	frame2 := buildADTSFrame(payload, 3, 2)

	r := &adtsFrameReader{}
	frames, _, err := r.Feed(append(append([]byte(nil), frame1...), frame2...), 900000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].PTS != 900000 {
		t.Errorf("first frame PTS: got %d, want 900000", frames[0].PTS)
	}
	wantGap := int64(aacSamplesPerFrame) * 90000 / 48000
	if frames[1].PTS != 900000+wantGap {
		t.Errorf("second frame PTS: got %d, want %d", frames[1].PTS, 900000+wantGap)
	}
}
