package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"commitchain/core/events"
	"commitchain/storage"
)

func checkpointEvent(eon uint64) events.CheckpointCreated {
	return events.CheckpointCreated{Eon: eon, MerkleRoot: common.HexToHash("0x01"), Basis: common.HexToHash("0x02")}
}

func TestWebhookDeliversSignedRecords(t *testing.T) {
	secret := []byte("s3cret")
	var got []Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, Sign(secret, body), r.Header.Get(SignatureHeader))
		var rec Record
		require.NoError(t, json.Unmarshal(body, &rec))
		got = append(got, rec)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	outbox, err := OpenOutbox(storage.NewMemDB(), nil)
	require.NoError(t, err)
	outbox.Emit(checkpointEvent(2))
	outbox.Emit(checkpointEvent(3))

	hook, err := NewWebhook(outbox, WebhookConfig{URL: srv.URL, Secret: string(secret)}, nil)
	require.NoError(t, err)
	n, err := hook.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Sequence)
	require.Equal(t, events.TypeCheckpointCreated, got[0].Type)
	require.Equal(t, "2", got[0].Attributes["eon"])

	pending, err := outbox.Pending(0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWebhookBacksOffThenBuries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	outbox, err := OpenOutbox(storage.NewMemDB(), nil)
	require.NoError(t, err)
	outbox.Emit(checkpointEvent(2))
	hook, err := NewWebhook(outbox, WebhookConfig{URL: srv.URL, MaxAttempts: 2}, nil)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hook.nowFn = func() time.Time { return now }

	n, err := hook.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	pending, err := outbox.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)
	require.True(t, now.Add(time.Second).Equal(pending[0].NotBefore))

	_, err = hook.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * time.Second)
	_, err = hook.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	pending, err = outbox.Pending(0)
	require.NoError(t, err)
	require.Empty(t, pending)
	dead, err := outbox.Dead()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].LastError, "502")
}

func TestWebhookRespectsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outbox, err := OpenOutbox(storage.NewMemDB(), nil)
	require.NoError(t, err)
	for eon := uint64(1); eon <= 3; eon++ {
		outbox.Emit(checkpointEvent(eon))
	}
	hook, err := NewWebhook(outbox, WebhookConfig{URL: srv.URL, RatePerSec: 0.001, Burst: 2}, nil)
	require.NoError(t, err)
	n, err := hook.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	pending, err := outbox.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(3), pending[0].Sequence)
}

func TestOutboxResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	outbox, err := OpenOutbox(db, nil)
	require.NoError(t, err)
	outbox.Emit(checkpointEvent(1))
	outbox.Emit(checkpointEvent(2))
	require.NoError(t, outbox.Ack(1))
	require.NoError(t, db.Close())

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	outbox, err = OpenOutbox(db, nil)
	require.NoError(t, err)
	outbox.Emit(checkpointEvent(3))
	pending, err := outbox.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, []uint64{2, 3}, []uint64{pending[0].Sequence, pending[1].Sequence})
}
