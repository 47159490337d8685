package auditor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/errors"
)

func TestDecodeSignal(t *testing.T) {
	tests := []struct {
		name    string
		signal  Signal
		wantErr bool
	}{
		{"create", Signal{Type: SignalCreate, Root: "r", IDs: []string{"r"}, Source: "s"}, false},
		{"create without ids", Signal{Type: SignalCreate, Root: "r"}, false},
		{"fork", Signal{Type: SignalFork, Root: "r", IDs: []string{"c"}}, false},
		{"ack", Signal{Type: SignalAck, Root: "r", ID: "c"}, false},
		{"fail", Signal{Type: SignalFail, Root: "r", ID: "c", Cause: "bad"}, false},
		{"missing root", Signal{Type: SignalAck, ID: "c"}, true},
		{"ack missing id", Signal{Type: SignalAck, Root: "r"}, true},
		{"unknown type", Signal{Type: "nack", Root: "r"}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.signal)
			require.NoError(t, err)

			got, err := DecodeSignal(data)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.signal, got)
		})
	}

	_, err := DecodeSignal([]byte("{not json"))
	assert.Error(t, err)
}

func TestNotification_Err(t *testing.T) {
	assert.NoError(t, Notification{Root: "r", Result: ResultAcked}.Err("r"))

	err := Notification{Root: "r", Result: ResultFailed, Cause: "rejected"}.Err("orig")
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindFailure, kind)
	assert.Contains(t, err.Error(), "orig")
	assert.Contains(t, err.Error(), "rejected")

	err = Notification{Root: "r", Result: ResultTimedOut}.Err("orig")
	assert.True(t, errors.IsTimeout(err))
}

func TestDecodeNotification(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"root":"r","result":"failed","cause":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, Notification{Root: "r", Result: ResultFailed, Cause: "x"}, n)

	_, err = DecodeNotification([]byte(`{"root":"r","result":"maybe"}`))
	assert.Error(t, err)
	_, err = DecodeNotification([]byte(`{"result":"acked"}`))
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "net.auditor.2", Address("net", 2))
	assert.Equal(t, "net.feeder.0.audit", NotifySubject("net.feeder.0"))
}
