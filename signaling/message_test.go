package signaling

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageAssignsIdentityAndTimestamp(t *testing.T) {
	sent := time.UnixMilli(1_700_000_000_000)
	msg := NewMessage(TypeEnd, "alice", "bob", sent)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeEnd, msg.Type)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "bob", msg.ReceiverID)
	assert.Equal(t, sent.UnixMilli(), msg.Timestamp)
	assert.True(t, msg.SentAt().Equal(sent))
}

func TestValidateRequiredFields(t *testing.T) {
	now := time.Now()
	sdp := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}

	tests := []struct {
		name    string
		message *Message
		wantErr error
	}{
		{
			name:    "missing sender",
			message: &Message{Type: TypeEnd, ReceiverID: "bob"},
			wantErr: ErrMissingSender,
		},
		{
			name:    "missing receiver",
			message: &Message{Type: TypeEnd, SenderID: "alice"},
			wantErr: ErrMissingReceiver,
		},
		{
			name:    "offer without sdp",
			message: NewMessage(TypeOffer, "alice", "bob", now),
			wantErr: ErrMissingSDP,
		},
		{
			name:    "answer without sdp",
			message: NewMessage(TypeAnswer, "bob", "alice", now),
			wantErr: ErrMissingSDP,
		},
		{
			name:    "candidate without payload",
			message: NewMessage(TypeCandidate, "alice", "bob", now),
			wantErr: ErrMissingCand,
		},
		{
			name:    "unknown type",
			message: &Message{Type: "ping", SenderID: "alice", ReceiverID: "bob"},
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.message.Validate(), tt.wantErr)
		})
	}

	offer := NewMessage(TypeOffer, "alice", "bob", now)
	offer.SDP = sdp
	offer.CallKind = KindVideo
	assert.NoError(t, offer.Validate())

	candMsg := NewMessage(TypeCandidate, "alice", "bob", now)
	candMsg.Candidate = cand
	assert.NoError(t, candMsg.Validate())

	for _, control := range []MessageType{TypeEnd, TypeReject, TypeBusy} {
		assert.NoError(t, NewMessage(control, "alice", "bob", now).Validate())
	}
}

func TestStaleAtWindow(t *testing.T) {
	now := time.Now()

	fresh := NewMessage(TypeEnd, "alice", "bob", now.Add(-4900*time.Millisecond))
	assert.False(t, fresh.StaleAt(now, DefaultStalenessWindow),
		"message inside the window must be processed")

	stale := NewMessage(TypeEnd, "alice", "bob", now.Add(-5100*time.Millisecond))
	assert.True(t, stale.StaleAt(now, DefaultStalenessWindow),
		"message older than the window must be ignored")

	// Zero window falls back to the default.
	assert.True(t, stale.StaleAt(now, 0))
	assert.False(t, fresh.StaleAt(now, 0))
}

func TestMarshalRoundTrip(t *testing.T) {
	msg := NewMessage(TypeOffer, "alice", "bob", time.Now())
	msg.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	msg.CallKind = KindAudio

	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.SenderID, decoded.SenderID)
	assert.Equal(t, KindAudio, decoded.CallKind)
	require.NotNil(t, decoded.SDP)
	assert.Equal(t, "v=0", decoded.SDP.SDP)
}

func TestMarshalRejectsInvalidMessage(t *testing.T) {
	msg := NewMessage(TypeOffer, "alice", "bob", time.Now())
	_, err := msg.Marshal()
	assert.ErrorIs(t, err, ErrMissingSDP)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"offer","senderId":"a","receiverId":"b"}`))
	assert.ErrorIs(t, err, ErrMissingSDP)
}
