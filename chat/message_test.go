package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"text", "image", "audio"} {
		kind, err := ParseKind(valid)
		require.NoError(t, err)
		assert.Equal(t, MessageKind(valid), kind)
	}

	_, err := ParseKind("video")
	assert.Error(t, err)
}

func TestKindUnmarshalRejectsUnknown(t *testing.T) {
	var p Plaintext
	err := json.Unmarshal([]byte(`{"data":"hi","type":"sticker","date":{"day":"2026-01-01","time":"10:00"}}`), &p)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"data":"hi","type":"text","date":{"day":"2026-01-01","time":"10:00"}}`), &p)
	require.NoError(t, err)
	assert.Equal(t, KindText, p.Kind)
}

func TestNewDisplayDate(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	date := NewDisplayDate(ts)
	assert.Equal(t, "2026-03-14", date.Day)
	assert.Equal(t, "09:05", date.Time)
}

func TestMessageProvisionalIdentity(t *testing.T) {
	m := &Message{CreatedAt: 1700000000000}
	assert.True(t, m.IsProvisional())

	m.ID = ProvisionalID(m.CreatedAt)
	assert.True(t, m.IsProvisional())

	m.ID = "canonical-uuid"
	assert.False(t, m.IsProvisional())
}

func TestMessageStateChain(t *testing.T) {
	m := &Message{CreatedAt: 100, ID: ProvisionalID(100)}
	assert.Equal(t, StateComposed, m.State())

	m.Persisted = true
	assert.Equal(t, StatePersisted, m.State())

	m.ApplyMetadata(Metadata{ID: "srv-1", CreatedAt: 100})
	assert.Equal(t, StateSent, m.State())

	m.ApplyMetadata(Metadata{CreatedAt: 100, ReceivedAt: 200})
	assert.Equal(t, StateDelivered, m.State())

	m.ApplyMetadata(Metadata{CreatedAt: 100, ViewedAt: 300})
	assert.Equal(t, StateViewed, m.State())
}

func TestApplyMetadataMonotonic(t *testing.T) {
	m := &Message{CreatedAt: 100, ID: "srv-1"}

	changed := m.ApplyMetadata(Metadata{CreatedAt: 100, ReceivedAt: 200, ViewedAt: 300})
	assert.True(t, changed)
	assert.EqualValues(t, 200, m.ReceivedAt)
	assert.EqualValues(t, 300, m.ViewedAt)

	// Later updates can neither clear nor rewind the timestamps.
	changed = m.ApplyMetadata(Metadata{CreatedAt: 100, ReceivedAt: 150, ViewedAt: 250})
	assert.False(t, changed)
	assert.EqualValues(t, 200, m.ReceivedAt)
	assert.EqualValues(t, 300, m.ViewedAt)

	changed = m.ApplyMetadata(Metadata{CreatedAt: 100})
	assert.False(t, changed)
	assert.EqualValues(t, 200, m.ReceivedAt)
	assert.EqualValues(t, 300, m.ViewedAt)
}

func TestApplyMetadataReplacesProvisionalID(t *testing.T) {
	m := &Message{CreatedAt: 100, ID: ProvisionalID(100)}

	m.ApplyMetadata(Metadata{ID: "srv-1", CreatedAt: 100})
	assert.Equal(t, "srv-1", m.ID)

	// A canonical id is never overwritten by a later report.
	m.ApplyMetadata(Metadata{ID: "srv-2", CreatedAt: 100})
	assert.Equal(t, "srv-1", m.ID)
}

func TestNewReceipt(t *testing.T) {
	m := &Message{
		ID:          "srv-1",
		RoomID:      "room-1",
		SenderID:    "alice",
		RecipientID: "bob",
		CreatedAt:   100,
	}

	r := NewReceipt(m, 500, false)
	assert.EqualValues(t, 500, r.ReceivedAt)
	assert.Zero(t, r.ViewedAt)

	r = NewReceipt(m, 500, true)
	assert.EqualValues(t, 500, r.ReceivedAt)
	assert.EqualValues(t, 500, r.ViewedAt)
	assert.Equal(t, "room-1", r.RoomID)
	assert.Equal(t, "srv-1", r.MessageID)
}

func TestSystemCode(t *testing.T) {
	assert.True(t, SystemKeyRotated.Valid())
	assert.False(t, SystemCode("E999").Valid())

	m := &Message{SystemCode: SystemKeyRotated}
	assert.True(t, m.IsSystem())
	assert.False(t, (&Message{}).IsSystem())
}
