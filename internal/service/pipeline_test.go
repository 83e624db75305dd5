package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwebhost/dweb-alpha/internal/blockchain"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
)

// TestPipeline_TwoEvents 两个事件从索引到 pin 再到名称补全的完整流程
func TestPipeline_TwoEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c1, h1 := testContent(t, "site-v1")
	c2, h2 := testContent(t, "site-v2")
	source := &fakeSource{
		head: 50,
		events: []blockchain.RawEvent{
			{TxHash: "0x1", Node: "0xNODE", Hash: h1, BlockNumber: 10},
			{TxHash: "0x2", Node: "0xNODE", Hash: h2, BlockNumber: 20},
		},
	}
	storage := newFakeStorage()
	pub := &fakePublisher{}

	hashRepo := repository.NewContentHashRepository(db)
	indexer := NewIndexerService(source, repository.NewRepository(db), repository.NewSyncInfoRepository(db), hashRepo,
		&IndexerServiceConfig{Chain: "mainnet", MaxBlockRange: 500})
	checker := NewAvailabilityService(hashRepo, storage, pub, &AvailabilityServiceConfig{BatchSize: 10, ProbeTimeout: time.Second})
	pinner := NewPinningService(hashRepo, storage, pub, &PinningServiceConfig{BatchSize: 10, MaxRetries: 3, PinTimeout: time.Second})
	names := NewNameService(hashRepo, &fakeLookup{names: map[string]string{"0xnode": "demo.eth"}}, 10)

	assertStatuses := func(want model.ContentHashStatus) {
		t.Helper()
		for _, tx := range []string{"0x1", "0x2"} {
			assert.Equal(t, want, loadRecord(t, db, tx).Status, tx)
		}
	}

	idx, err := indexer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx.Inserted)
	assertStatuses(model.ContentHashStatusCreated)

	avail, err := checker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, avail.Succeeded)
	assertStatuses(model.ContentHashStatusChecked)

	pinned, err := pinner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pinned.Succeeded)
	assertStatuses(model.ContentHashStatusPinned)
	assert.Equal(t, 1, storage.pinCount(ipfsPath(c1)))
	assert.Equal(t, 1, storage.pinCount(ipfsPath(c2)))
	assert.Len(t, storage.pins, 2)

	named, err := names.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), named.Updated)
	for _, tx := range []string{"0x1", "0x2"} {
		assert.Equal(t, "demo.eth", loadRecord(t, db, tx).EnsName)
	}

	// 第二轮无事可做
	again, err := pinner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
	assert.Len(t, storage.pins, 2)

	published := pub.statuses()
	assert.Equal(t, model.ContentHashStatusPinned, published["0x1"])
	assert.Equal(t, model.ContentHashStatusPinned, published["0x2"])
}
