package demux

import "testing"

// buildCCDataSEI builds an SEI RBSP (payloadType/payloadSize header plus a
// user_data_registered_itu_t_t35 cc_data() payload) carrying the given
// cc_data byte triples.
func buildCCDataSEI(triples [][3]byte) []byte {
	payload := []byte{
		0xB5,                   // itu_t_t35_country_code: USA
		0x00, 0x31,             // itu_t_t35_provider_code: ATSC
		0x47, 0x41, 0x39, 0x34, // "GA94"
		0x03,                   // user_data_type_code: cc_data()
	}
	ccCount := byte(len(triples)) | 0xE0 // process_cc_data_flag + reserved bits set
	payload = append(payload, ccCount, 0xFF)
	for _, tr := range triples {
		payload = append(payload, tr[0], tr[1], tr[2])
	}

	rbsp := []byte{userDataT35PayloadType, byte(len(payload))}
	rbsp = append(rbsp, payload...)
	rbsp = append(rbsp, 0x80) // rbsp_trailing_bits
	return rbsp
}

func TestExtractRawCaptionsCEA608(t *testing.T) {
	t.Parallel()
	rbsp := buildCCDataSEI([][3]byte{
		{0x04 | 0x00, 0x41, 0x42}, // cc_valid=1, cc_type=0 (field 1), "AB"
		{0x04 | 0x01, 0x43, 0x44}, // cc_valid=1, cc_type=1 (field 2), "CD"
	})

	caps := extractRawCaptions(rbsp)
	if len(caps) != 2 {
		t.Fatalf("expected 2 caption pairs, got %d", len(caps))
	}
	if caps[0].Type != CaptionCEA608 || caps[0].Field != 0 || caps[0].Data != [2]byte{0x41, 0x42} {
		t.Errorf("caps[0]: got %+v", caps[0])
	}
	if caps[1].Type != CaptionCEA608 || caps[1].Field != 1 || caps[1].Data != [2]byte{0x43, 0x44} {
		t.Errorf("caps[1]: got %+v", caps[1])
	}
}

func TestExtractRawCaptionsCEA708(t *testing.T) {
	t.Parallel()
	rbsp := buildCCDataSEI([][3]byte{
		{0x04 | 0x03, 0xAA, 0xBB}, // cc_type=3: DTVCC packet start
		{0x04 | 0x02, 0xCC, 0xDD}, // cc_type=2: DTVCC packet data
	})

	caps := extractRawCaptions(rbsp)
	if len(caps) != 2 {
		t.Fatalf("expected 2 caption pairs, got %d", len(caps))
	}
	if caps[0].Type != CaptionCEA708 || !caps[0].Start {
		t.Errorf("caps[0]: expected CEA-708 packet start, got %+v", caps[0])
	}
	if caps[1].Type != CaptionCEA708 || caps[1].Start {
		t.Errorf("caps[1]: expected CEA-708 continuation, got %+v", caps[1])
	}
}

func TestExtractRawCaptionsSkipsInvalid(t *testing.T) {
	t.Parallel()
	rbsp := buildCCDataSEI([][3]byte{
		{0x00, 0x41, 0x42}, // cc_valid=0, should be skipped
		{0x04, 0x43, 0x44}, // cc_valid=1, cc_type=0
	})

	caps := extractRawCaptions(rbsp)
	if len(caps) != 1 {
		t.Fatalf("expected 1 caption pair, got %d", len(caps))
	}
	if caps[0].Data != [2]byte{0x43, 0x44} {
		t.Errorf("unexpected caption data: %+v", caps[0])
	}
}

func TestExtractRawCaptionsWrongUserIdentifier(t *testing.T) {
	t.Parallel()
	payload := []byte{0xB5, 0x00, 0x31, 0x00, 0x00, 0x00, 0x00, 0x03, 0xE0, 0xFF}
	rbsp := []byte{userDataT35PayloadType, byte(len(payload))}
	rbsp = append(rbsp, payload...)
	rbsp = append(rbsp, 0x80)

	caps := extractRawCaptions(rbsp)
	if caps != nil {
		t.Errorf("expected nil for non-ATSC user_identifier, got %d pairs", len(caps))
	}
}

func TestExtractRawCaptionsNoT35Payload(t *testing.T) {
	t.Parallel()
	// SEI with only an unrelated payload type (e.g. pic_timing, type 1).
	rbsp := []byte{0x01, 0x02, 0x00, 0x00, 0x80}
	caps := extractRawCaptions(rbsp)
	if caps != nil {
		t.Errorf("expected nil when no T.35 payload present, got %d pairs", len(caps))
	}
}

func TestParseSEIMessagesMultiplePayloads(t *testing.T) {
	t.Parallel()
	rbsp := []byte{
		0x01, 0x02, 0xAA, 0xBB, // payload type 1, size 2
		0x04, 0x03, 0xCC, 0xDD, 0xEE, // payload type 4, size 3
		0x80,
	}
	messages := parseSEIMessages(rbsp)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if got := messages[1]; len(got) != 2 || got[0] != 0xAA || got[1] != 0xBB {
		t.Errorf("message type 1: got %v", got)
	}
	if got := messages[4]; len(got) != 3 || got[0] != 0xCC {
		t.Errorf("message type 4: got %v", got)
	}
}
