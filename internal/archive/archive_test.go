package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/store"
)

type fakeS3 struct {
	mu      sync.Mutex
	err     error
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func TestArchive(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	_, err := ms.CreateAccount(ctx, "alice", "addr")
	require.NoError(t, err)
	_, err = ms.AdjustUserBalance(ctx, "alice", model.CurrencyUSDC, 42)
	require.NoError(t, err)

	fs := &fakeS3{}
	a := New(ms, fs, "ledger", "")
	a.now = func() time.Time { return time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC) }

	key, err := a.Archive(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "snapshots/2026/03/09/"), key)
	assert.True(t, strings.HasSuffix(key, ".json"), key)

	var snap model.LedgerSnapshot
	require.NoError(t, json.Unmarshal(fs.objects["ledger/"+key], &snap))
	require.Len(t, snap.Accounts, 1)
	assert.Equal(t, model.Amount(42), snap.Accounts[0].UnallocatedUSDC)
}

func TestArchive_PutFails(t *testing.T) {
	a := New(store.NewMemoryStore(), &fakeS3{err: errors.New("access denied")}, "ledger", "p")
	_, err := a.Archive(context.Background())
	assert.ErrorIs(t, err, model.ErrExternalCall)
}

func TestRun(t *testing.T) {
	fs := &fakeS3{}
	a := New(store.NewMemoryStore(), fs, "ledger", "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx, 10*time.Millisecond))
	assert.GreaterOrEqual(t, fs.count(), 2)
}
