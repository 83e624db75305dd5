package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dwebhost/dweb-alpha/internal/blockchain"
	"github.com/dwebhost/dweb-alpha/internal/contenthash"
	"github.com/dwebhost/dweb-alpha/internal/ipfs"
	"github.com/dwebhost/dweb-alpha/internal/model"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.ContentHashRecord{}, &model.SyncInfo{}, &model.JobExecution{}))
	return db
}

// testContent 由种子生成确定的 CIDv0 与链上编码
func testContent(t *testing.T, seed string) (cid.Cid, string) {
	t.Helper()
	h, err := mh.Sum([]byte(seed), mh.SHA2_256, -1)
	require.NoError(t, err)
	c := cid.NewCidV0(h)
	return c, contenthash.EncodeHex(contenthash.CodecIPFS, c)
}

func ipfsPath(c cid.Cid) string {
	return "/ipfs/" + c.String()
}

func insertRecord(t *testing.T, db *gorm.DB, tx, node, hash string, status model.ContentHashStatus, retry int, updatedAt int64) *model.ContentHashRecord {
	t.Helper()
	rec := &model.ContentHashRecord{TxHash: tx, Node: node, Hash: hash, BlockNum: 1, Status: status, Retry: retry}
	require.NoError(t, db.Create(rec).Error)
	if updatedAt > 0 {
		require.NoError(t, db.Model(rec).UpdateColumn("updated_at", updatedAt).Error)
		rec.UpdatedAt = updatedAt
	}
	return rec
}

func loadRecord(t *testing.T, db *gorm.DB, tx string) *model.ContentHashRecord {
	t.Helper()
	var rec model.ContentHashRecord
	require.NoError(t, db.Where("tx_hash = ?", tx).First(&rec).Error)
	return &rec
}

// fakeSource 内存链，GetEvents 按区间过滤
type fakeSource struct {
	mu        sync.Mutex
	head      uint64
	headErr   error
	eventsErr error
	events    []blockchain.RawEvent
	windows   [][2]uint64
}

func (f *fakeSource) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeSource) GetEvents(_ context.Context, _ []common.Address, from, to uint64) ([]blockchain.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]uint64{from, to})
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	var out []blockchain.RawEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// probe 行为
const (
	behaviorOK       = "ok"
	behaviorDir      = "dir"
	behaviorNotFound = "notfound"
	behaviorTimeout  = "timeout"
	behaviorHang     = "hang"
	behaviorError    = "error"
	behaviorPanic    = "panic"
)

// fakeStorage 按路径返回预设结果，未配置路径视为可用
type fakeStorage struct {
	mu       sync.Mutex
	behavior map[string]string
	pinErr   map[string]error
	pinAll   error
	pinPanic map[string]bool
	repoSize uint64
	statErr  error
	cats     []string
	lss      []string
	pins     []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{behavior: map[string]string{}, pinErr: map[string]error{}}
}

func (f *fakeStorage) Cat(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	f.cats = append(f.cats, path)
	b := f.behavior[path]
	f.mu.Unlock()

	switch b {
	case behaviorDir:
		return true, nil
	case behaviorNotFound:
		return false, pkgerrors.Wrapf(pkgerrors.ErrContentNotFound, "cat %s", path)
	case behaviorTimeout:
		return false, pkgerrors.Wrapf(pkgerrors.ErrStorageTimeout, "cat %s", path)
	case behaviorHang:
		<-ctx.Done()
		return false, pkgerrors.Wrap(pkgerrors.ErrStorageTimeout, ctx.Err())
	case behaviorError:
		return false, pkgerrors.Wrapf(pkgerrors.ErrStorageUnavailable, "cat %s", path)
	case behaviorPanic:
		panic("cat " + path)
	default:
		return false, nil
	}
}

func (f *fakeStorage) Ls(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lss = append(f.lss, path)
	return nil
}

func (f *fakeStorage) PinAdd(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins = append(f.pins, path)
	if f.pinPanic[path] {
		panic("pin " + path)
	}
	if f.pinAll != nil {
		return f.pinAll
	}
	return f.pinErr[path]
}

func (f *fakeStorage) RepoStat(context.Context) (*ipfs.RepoStat, error) {
	if f.statErr != nil {
		return nil, f.statErr
	}
	return &ipfs.RepoStat{RepoSize: f.repoSize}, nil
}

func (f *fakeStorage) pinCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pins {
		if p == path {
			n++
		}
	}
	return n
}

// fakePublisher 记录发布的状态事件
type fakePublisher struct {
	mu     sync.Mutex
	events []*model.ContentHashStatusEvent
	err    error
}

func (f *fakePublisher) PublishStatus(_ context.Context, evt *model.ContentHashStatusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return f.err
}

func (f *fakePublisher) statuses() map[string]model.ContentHashStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.ContentHashStatus, len(f.events))
	for _, e := range f.events {
		out[e.TxHash] = e.Status
	}
	return out
}

// fakeLookup 名称服务桩
type fakeLookup struct {
	mu    sync.Mutex
	names map[string]string
	err   error
	calls [][]string
}

func (f *fakeLookup) Resolve(_ context.Context, nodes []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), nodes...))
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, n := range nodes {
		if name, ok := f.names[n]; ok {
			out[n] = name
		}
	}
	return out, nil
}

// failingInsertRepo 写入失败的仓储包装
type failingInsertRepo struct {
	repository.ContentHashRepository
}

func (failingInsertRepo) InsertIgnoreDuplicates(context.Context, []*model.ContentHashRecord) (int64, error) {
	return 0, fmt.Errorf("disk full")
}

func oldMillis(d time.Duration) int64 {
	return time.Now().Add(-d).UnixMilli()
}
